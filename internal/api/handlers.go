package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/inputd/internal/auth"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/policy"
)

const (
	defaultTraceLimit = 100
	maxInjectBody     = 1 << 20
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.dispatcher.Snapshot()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connections:   len(snap.Connections),
		InboundDepth:  snap.InboundDepth,
	})
}

// handleConnections handles GET /connections.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.Snapshot())
}

// handleInject handles POST /inject. The injector identity is the token's.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInjectBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode, err := input.ParseSyncMode(req.Sync)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}
	if timeout > s.config.MaxInjectTimeout {
		timeout = s.config.MaxInjectTimeout
	}

	now := input.Now()
	var ev input.Event
	switch {
	case req.Key != nil && req.Motion != nil:
		s.writeError(w, http.StatusBadRequest, "set exactly one of key and motion")
		return
	case req.Key != nil:
		if req.Key.EventTime == 0 {
			req.Key.EventTime = now
		}
		if req.Key.DownTime == 0 {
			req.Key.DownTime = req.Key.EventTime
		}
		if err := input.ValidateKey(req.Key); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ev = req.Key
	case req.Motion != nil:
		for i := range req.Motion.Samples {
			if req.Motion.Samples[i].EventTime == 0 {
				req.Motion.Samples[i].EventTime = now
			}
		}
		if req.Motion.DownTime == 0 {
			req.Motion.DownTime = now
		}
		if err := input.ValidateMotion(req.Motion); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ev = req.Motion
	default:
		s.writeError(w, http.StatusBadRequest, "set exactly one of key and motion")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	result := s.dispatcher.InjectInputEvent(r.Context(), ev, principal.PID, principal.UID, mode, timeout)

	respondJSON(w, injectStatus(result), InjectResponse{Result: result.String(), Sync: mode.String()})
}

func injectStatus(result input.InjectionResult) int {
	switch result {
	case input.InjectionSucceeded:
		return http.StatusOK
	case input.InjectionPermissionDenied:
		return http.StatusForbidden
	case input.InjectionTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

// handlePreempt handles POST /preempt.
func (s *Server) handlePreempt(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.PreemptInputDispatch()
	w.WriteHeader(http.StatusNoContent)
}

// handleWindows handles GET /windows.
func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.windows.Windows())
}

// handleFocus handles POST /windows/{name}/focus.
func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.windows.SetFocus(name)
	switch {
	case errors.Is(err, policy.ErrUnknownWindow):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, policy.ErrNotFocusable):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		// Focus decides key targets, so the dispatcher must see the change
		// in order with queued input.
		s.dispatcher.NotifyConfigurationChanged(input.Now())
		respondJSON(w, http.StatusOK, s.windows.Windows())
	}
}

// handleTrace handles GET /trace?limit=N.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if !s.tracing(w) {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dispatches, err := s.traces.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to query trace", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query trace")
		return
	}
	respondJSON(w, http.StatusOK, TraceResponse{Dispatches: dispatches})
}

// handleTraceEvents handles GET /trace/events?limit=N.
func (s *Server) handleTraceEvents(w http.ResponseWriter, r *http.Request) {
	if !s.tracing(w) {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.traces.Resolutions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to query trace events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query trace events")
		return
	}
	respondJSON(w, http.StatusOK, TraceEventsResponse{Resolutions: res})
}

// handleTraceStats handles GET /trace/stats?since=<duration>.
func (s *Server) handleTraceStats(w http.ResponseWriter, r *http.Request) {
	if !s.tracing(w) {
		return
	}
	window := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		window = d
	}
	since := time.Now().Add(-window)
	stats, err := s.traces.Stats(r.Context(), since)
	if err != nil {
		s.logger.Error("failed to compute trace stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute trace stats")
		return
	}
	respondJSON(w, http.StatusOK, TraceStatsResponse{
		Since:    since.UTC().Format(time.RFC3339),
		Channels: stats,
	})
}

func (s *Server) tracing(w http.ResponseWriter) bool {
	if s.traces == nil {
		s.writeError(w, http.StatusServiceUnavailable, "tracing is disabled")
		return false
	}
	return true
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultTraceLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.routes()))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
