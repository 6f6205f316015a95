package config

import "time"

// Config represents the complete inputd configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Channels ChannelsConfig `yaml:"channels"`
	Policy   PolicyConfig   `yaml:"policy"`
	Trace    TraceConfig    `yaml:"trace"`
	API      APIConfig      `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file"`
}

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	// DefaultTimeout applies to targets that do not carry their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// KeyRepeatTimeout is the hold time before the first synthetic repeat.
	KeyRepeatTimeout time.Duration `yaml:"key_repeat_timeout"`
	// KeyRepeatDelay separates subsequent synthetic repeats.
	KeyRepeatDelay time.Duration `yaml:"key_repeat_delay"`
	// StaleEventTimeout drops key events that waited longer than this.
	// A negative value disables the check.
	StaleEventTimeout time.Duration `yaml:"stale_event_timeout"`
	// MotionCoalesceInterval merges batched samples closer than this.
	// A negative value disables coalescing.
	MotionCoalesceInterval time.Duration `yaml:"motion_coalesce_interval"`
	// ArenaChunk is the number of entries each pool grows by.
	ArenaChunk int `yaml:"arena_chunk"`
}

// ChannelsConfig defines how consumers attach.
type ChannelsConfig struct {
	// Listen is a unix socket path; empty disables the listener.
	Listen string `yaml:"listen"`
	// PublicationSamples bounds the samples carried by one in-flight
	// publication.
	PublicationSamples int `yaml:"publication_samples"`
	// Builtin names windows served by an in-process consumer that logs and
	// acknowledges every event.
	Builtin []string `yaml:"builtin,omitempty"`
}

// PolicyConfig configures the window policy.
type PolicyConfig struct {
	Windows       []WindowConfig `yaml:"windows"`
	Focused       string         `yaml:"focused"`
	Injectors     []int32        `yaml:"injectors"`
	ANRExtensions int            `yaml:"anr_extensions"`
	ANRExtension  time.Duration  `yaml:"anr_extension"`
	KeyRepeat     *bool          `yaml:"key_repeat,omitempty"`
}

// KeyRepeatEnabled defaults to true when unset.
func (p PolicyConfig) KeyRepeatEnabled() bool {
	return p.KeyRepeat == nil || *p.KeyRepeat
}

// WindowConfig declares one window and the channel that serves it.
type WindowConfig struct {
	Name            string        `yaml:"name"`
	Bounds          Rect          `yaml:"bounds"`
	OwnerUID        int32         `yaml:"owner_uid"`
	Focusable       bool          `yaml:"focusable"`
	WatchOutside    bool          `yaml:"watch_outside"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout,omitempty"`
}

// Rect is a screen rectangle; Right and Bottom are exclusive.
type Rect struct {
	Left   float32 `yaml:"left"`
	Top    float32 `yaml:"top"`
	Right  float32 `yaml:"right"`
	Bottom float32 `yaml:"bottom"`
}

// TraceConfig defines dispatch latency tracing.
type TraceConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access, injecting as uid 0.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token, its scopes and the injector identity
// used for events injected with it.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
	UID    int32    `yaml:"uid"`
	PID    int32    `yaml:"pid"`
}

// Defaults returns a Config with the stock dispatcher tuning.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "inputd",
			LogLevel: "info",
			PIDFile:  "./data/inputd.pid",
		},
		Dispatch: DefaultDispatch(),
		Channels: ChannelsConfig{
			Listen:             "./data/inputd.sock",
			PublicationSamples: 16,
		},
		Policy: PolicyConfig{
			ANRExtensions: 3,
			ANRExtension:  5 * time.Second,
		},
		Trace: TraceConfig{
			Enabled:       false,
			Path:          "./data/trace.db",
			Retention:     24 * time.Hour,
			FlushInterval: 250 * time.Millisecond,
			BatchSize:     64,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// DefaultDispatch returns the default dispatch loop tuning.
func DefaultDispatch() DispatchConfig {
	return DispatchConfig{
		DefaultTimeout:         5 * time.Second,
		KeyRepeatTimeout:       500 * time.Millisecond,
		KeyRepeatDelay:         50 * time.Millisecond,
		StaleEventTimeout:      10 * time.Second,
		MotionCoalesceInterval: 3 * time.Millisecond,
		ArenaChunk:             64,
	}
}
