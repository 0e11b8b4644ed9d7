// Package server implements the HTTP API over the tool dispatcher: tool
// listing and invocation, query and analysis shortcuts, cache invalidation,
// health, readiness, Prometheus metrics and the streamable MCP endpoint.
// The server is started by the `ragkit serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragkit-go/internal/dispatch"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/toolerr"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// New constructs a Server over d from the provided config.
func New(d *dispatch.Dispatcher, cfg *Config) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("server: dispatcher must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.NewRegistry()
	}

	s := &Server{
		dispatcher: d,
		cfg:        cfg,
		log:        cfg.Logger,
		pingers:    cfg.Pingers,
		metrics:    newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: RAGKIT_API_KEY is not set, API authentication is disabled")
	}

	rl := newRateLimiter(cfg.RateLimit, cfg.RateBurst)

	// protect applies auth and the per-IP limit to a route.
	protect := func(h http.Handler) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	s.route(mux, "GET /api/health", "health", http.HandlerFunc(s.handleHealth))
	s.route(mux, "GET /api/ready", "ready", http.HandlerFunc(s.handleReady))
	s.route(mux, "GET /metrics", "metrics", promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{}))

	s.route(mux, "GET /api/tools", "tools_list", protect(http.HandlerFunc(s.handleListTools)))
	s.route(mux, "POST /api/tools/{name}", "tools_call", protect(http.HandlerFunc(s.handleCallTool)))
	s.route(mux, "GET /api/query", "query", protect(http.HandlerFunc(s.handleQuery)))
	s.route(mux, "GET /api/analyze/{name}", "analyze", protect(http.HandlerFunc(s.handleAnalyze)))
	s.route(mux, "POST /api/analyze/{name}", "analyze", protect(http.HandlerFunc(s.handleAnalyze)))
	s.route(mux, "GET /api/config", "config", protect(http.HandlerFunc(s.handleConfig)))
	if cfg.Cache != nil {
		s.route(mux, "POST /api/cache/invalidate", "cache_invalidate", protect(http.HandlerFunc(s.handleInvalidate)))
	}
	if cfg.MCP != nil {
		s.route(mux, "/mcp", "mcp", protect(cfg.MCP))
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// route mounts h on pattern, instrumented under the handler label name.
func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	mux.Handle(pattern, s.metrics.instrument(name, h))
}

// Handler returns the fully wrapped root handler. Tests drive it directly.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(ctx).Error("server: encode response", slog.Any("error", err))
	}
}

// writeToolError renders err, which should be a *toolerr.Error, with the
// status code its kind maps to.
func writeToolError(ctx context.Context, w http.ResponseWriter, err error) {
	te, ok := toolerr.As(err)
	if !ok {
		te = toolerr.New(toolerr.KindInternal, "internal error", err)
	}
	writeJSON(ctx, w, statusFor(te.Kind), errorResponse{
		Status:  dispatch.StatusError,
		Kind:    string(te.Kind),
		Message: te.Message,
		Field:   te.Field,
	})
}

// statusFor maps an error kind to its HTTP status code.
func statusFor(k toolerr.Kind) int {
	switch k {
	case toolerr.KindValidation:
		return http.StatusBadRequest
	case toolerr.KindUnknownTool:
		return http.StatusNotFound
	case toolerr.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case toolerr.KindBackendError:
		return http.StatusBadGateway
	case toolerr.KindTimeout:
		return http.StatusGatewayTimeout
	case toolerr.KindNoContext:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
