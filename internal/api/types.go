package api

import (
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/trace"
)

// InjectRequest is the JSON body for POST /inject. Exactly one of Key and
// Motion is set. Zero event times are stamped with the current time.
type InjectRequest struct {
	Key       *input.KeyEvent    `json:"key,omitempty"`
	Motion    *input.MotionEvent `json:"motion,omitempty"`
	Sync      string             `json:"sync,omitempty"`
	TimeoutMS int64              `json:"timeout_ms,omitempty"`
}

// InjectResponse carries the injection result.
type InjectResponse struct {
	Result string `json:"result"`
	Sync   string `json:"sync"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	InboundDepth  int    `json:"inbound_depth"`
}

// TraceResponse is returned by GET /trace.
type TraceResponse struct {
	Dispatches []trace.Dispatch `json:"dispatches"`
}

// TraceEventsResponse is returned by GET /trace/events.
type TraceEventsResponse struct {
	Resolutions []trace.Resolution `json:"resolutions"`
}

// TraceStatsResponse is returned by GET /trace/stats.
type TraceStatsResponse struct {
	Since    string               `json:"since"`
	Channels []trace.ChannelStats `json:"channels"`
}
