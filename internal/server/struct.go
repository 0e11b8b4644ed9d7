package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/dispatch"
	"github.com/54b3r/ragkit-go/internal/tools"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// exceed the dispatch call timeout.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on protected
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on /api/* tool routes and /mcp.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's own metrics. It is also served
	// on GET /metrics, so pass the registry the dispatcher and cache use.
	// If nil, a private registry is created.
	MetricsRegistry *prometheus.Registry
	// Cache backs POST /api/cache/invalidate. The route is not mounted when
	// nil.
	Cache Invalidator
	// MCP is mounted on /mcp when set, e.g. [mcpserver.Server.Handler].
	MCP http.Handler
}

// Invalidator drops retrieval cache entries. *cache.Cache satisfies it.
type Invalidator interface {
	// Invalidate drops the entry stored under fingerprint.
	Invalidate(ctx context.Context, fingerprint string) error
	// Purge drops every entry.
	Purge(ctx context.Context) error
}

// Server is the HTTP front end of the tool dispatcher.
type Server struct {
	// dispatcher runs every tool call the API makes.
	dispatcher *dispatch.Dispatcher
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus collectors.
	metrics *serverMetrics
}

// toolInfo is one element of the GET /api/tools response.
type toolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Class       tools.Class        `json:"class"`
	InputSchema map[string]any     `json:"input_schema"`
	Output      *jsonschema.Schema `json:"output_schema,omitempty"`
}

// toolsResponse is the JSON response for GET /api/tools.
type toolsResponse struct {
	Tools []toolInfo `json:"tools"`
}

// errorResponse is the JSON body of every failed tool route.
type errorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// analyzeRequest is the JSON body for POST /api/analyze/{name}.
type analyzeRequest struct {
	// Input is the subject text of the analysis.
	Input string `json:"input"`
}

// invalidateRequest is the JSON body for POST /api/cache/invalidate.
type invalidateRequest struct {
	// Fingerprint selects one entry, as returned by search_context. Empty
	// purges the whole cache.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// invalidateResponse is the JSON response for POST /api/cache/invalidate.
type invalidateResponse struct {
	Purged      bool   `json:"purged"`
	Fingerprint string `json:"fingerprint,omitempty"`
}
