package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config file at
// configPath. A directory is accepted and resolved to its config.yaml. When a
// .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	if err := VerifyChecksums(filepath.Dir(absPath), false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvePath returns the absolute config file path for a file or directory.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Parse decodes YAML config bytes, applying env interpolation, defaults and
// validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigPath finds the config by checking standard locations:
// $INPUTD_CONFIG, ~/.config/inputd, /etc/inputd, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("INPUTD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "inputd")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("/etc/inputd/config.yaml"); err == nil {
		return "/etc/inputd", nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $INPUTD_CONFIG, ~/.config/inputd, /etc/inputd, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = defaults.Service.PIDFile
	}

	d := &cfg.Dispatch
	if d.DefaultTimeout == 0 {
		d.DefaultTimeout = defaults.Dispatch.DefaultTimeout
	}
	if d.KeyRepeatTimeout == 0 {
		d.KeyRepeatTimeout = defaults.Dispatch.KeyRepeatTimeout
	}
	if d.KeyRepeatDelay == 0 {
		d.KeyRepeatDelay = defaults.Dispatch.KeyRepeatDelay
	}
	if d.StaleEventTimeout == 0 {
		d.StaleEventTimeout = defaults.Dispatch.StaleEventTimeout
	}
	if d.MotionCoalesceInterval == 0 {
		d.MotionCoalesceInterval = defaults.Dispatch.MotionCoalesceInterval
	}
	if d.ArenaChunk == 0 {
		d.ArenaChunk = defaults.Dispatch.ArenaChunk
	}

	if cfg.Channels.PublicationSamples == 0 {
		cfg.Channels.PublicationSamples = defaults.Channels.PublicationSamples
	}

	if cfg.Policy.ANRExtension == 0 {
		cfg.Policy.ANRExtension = defaults.Policy.ANRExtension
	}

	if cfg.Trace.Path == "" {
		cfg.Trace.Path = defaults.Trace.Path
	}
	if cfg.Trace.Retention == 0 {
		cfg.Trace.Retention = defaults.Trace.Retention
	}
	if cfg.Trace.FlushInterval == 0 {
		cfg.Trace.FlushInterval = defaults.Trace.FlushInterval
	}
	if cfg.Trace.BatchSize == 0 {
		cfg.Trace.BatchSize = defaults.Trace.BatchSize
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and rejected by Validate where they
// matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks a fully defaulted config.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	d := cfg.Dispatch
	if d.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatch.default_timeout must be positive")
	}
	if d.KeyRepeatTimeout <= 0 || d.KeyRepeatDelay <= 0 {
		return fmt.Errorf("dispatch.key_repeat_timeout and dispatch.key_repeat_delay must be positive")
	}
	if d.ArenaChunk < 1 {
		return fmt.Errorf("dispatch.arena_chunk must be at least 1")
	}

	if cfg.Channels.PublicationSamples < 1 {
		return fmt.Errorf("channels.publication_samples must be at least 1")
	}

	seen := make(map[string]bool, len(cfg.Policy.Windows))
	for i, w := range cfg.Policy.Windows {
		if w.Name == "" {
			return fmt.Errorf("policy.windows[%d].name is required", i)
		}
		if seen[w.Name] {
			return fmt.Errorf("policy.windows[%d]: duplicate window name %q", i, w.Name)
		}
		seen[w.Name] = true
		if w.Bounds.Right <= w.Bounds.Left || w.Bounds.Bottom <= w.Bounds.Top {
			return fmt.Errorf("policy.windows[%d]: bounds are empty", i)
		}
		if w.DispatchTimeout < 0 {
			return fmt.Errorf("policy.windows[%d].dispatch_timeout must not be negative", i)
		}
	}
	if cfg.Policy.Focused != "" && !seen[cfg.Policy.Focused] {
		return fmt.Errorf("policy.focused: unknown window %q", cfg.Policy.Focused)
	}
	builtin := make(map[string]bool, len(cfg.Channels.Builtin))
	for i, name := range cfg.Channels.Builtin {
		if !seen[name] {
			return fmt.Errorf("channels.builtin[%d]: unknown window %q", i, name)
		}
		if builtin[name] {
			return fmt.Errorf("channels.builtin[%d]: window %q listed twice", i, name)
		}
		builtin[name] = true
	}
	if cfg.Policy.ANRExtensions < 0 {
		return fmt.Errorf("policy.anr_extensions must not be negative")
	}

	if cfg.Trace.Enabled {
		if cfg.Trace.Path == "" {
			return fmt.Errorf("trace.path is required when tracing is enabled")
		}
		if cfg.Trace.BatchSize < 1 || cfg.Trace.FlushInterval <= 0 {
			return fmt.Errorf("trace.batch_size and trace.flush_interval must be positive")
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
