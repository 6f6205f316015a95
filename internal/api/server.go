// Package api serves the dispatcher over HTTP: introspection, injection,
// window focus, trace queries and a server-sent event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/inputd/internal/auth"
	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/events"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/policy"
	"github.com/mattjoyce/inputd/internal/trace"
)

// Dispatcher is the part of the dispatcher the API drives.
type Dispatcher interface {
	Snapshot() dispatch.Snapshot
	InjectInputEvent(ctx context.Context, ev input.Event, injectorPID, injectorUID int32, mode input.SyncMode, timeout time.Duration) input.InjectionResult
	PreemptInputDispatch()
	NotifyConfigurationChanged(eventTime int64)
}

// WindowManager exposes the window layout.
type WindowManager interface {
	Windows() []policy.WindowInfo
	SetFocus(name string) error
}

// TraceStore answers trace queries. It may be nil when tracing is off.
type TraceStore interface {
	Recent(ctx context.Context, limit int) ([]trace.Dispatch, error)
	Resolutions(ctx context.Context, limit int) ([]trace.Resolution, error)
	Stats(ctx context.Context, since time.Time) ([]trace.ChannelStats, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxInjectTimeout caps the timeout_ms of synchronous injections.
	MaxInjectTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	windows    WindowManager
	traces     TraceStore
	hub        *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. traces may be nil.
func New(config Config, dispatcher Dispatcher, windows WindowManager, traces TraceStore, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxInjectTimeout <= 0 {
		config.MaxInjectTimeout = 30 * time.Second
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		windows:    windows,
		traces:     traces,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Synchronous injections wait at most MaxInjectTimeout; the event
		// stream runs without a write deadline.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		for _, rt := range s.routes() {
			r.With(s.requireScopes(rt.scopes...)).Method(rt.method, rt.path, rt.handler)
		}
	})

	return r
}

// route describes one authenticated endpoint.
type route struct {
	method  string
	path    string
	summary string
	scopes  []string
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	read := []string{auth.ScopeRead}
	return []route{
		{http.MethodGet, "/connections", "Dispatcher snapshot", read, s.handleConnections},
		{http.MethodPost, "/inject", "Inject a key or motion event", []string{auth.ScopeInject}, s.handleInject},
		{http.MethodPost, "/preempt", "Release synchronous dispatch holds", []string{auth.ScopeAdmin}, s.handlePreempt},
		{http.MethodGet, "/windows", "Window layout", read, s.handleWindows},
		{http.MethodPost, "/windows/{name}/focus", "Move key focus", []string{auth.ScopeAdmin}, s.handleFocus},
		{http.MethodGet, "/events", "Lifecycle event stream", read, s.handleEvents},
		{http.MethodGet, "/trace", "Recent dispatch cycles", read, s.handleTrace},
		{http.MethodGet, "/trace/events", "Recent target resolutions", read, s.handleTraceEvents},
		{http.MethodGet, "/trace/stats", "Latency per channel", read, s.handleTraceStats},
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
