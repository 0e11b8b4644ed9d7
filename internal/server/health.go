package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// probeTimeout bounds each dependency probe, so /api/ready answers quickly
// when a backend hangs.
const probeTimeout = 5 * time.Second

// Pinger reports whether one dependency is reachable. Implementations must
// be safe for concurrent use.
type Pinger interface {
	Ping(ctx context.Context) error

	// Name labels the dependency in readiness responses (e.g. "qdrant").
	Name() string
}

// MultiPinger probes several dependencies at once.
type MultiPinger struct {
	pingers []Pinger
}

// NewMultiPinger constructs a MultiPinger over pingers.
func NewMultiPinger(pingers ...Pinger) *MultiPinger {
	return &MultiPinger{pingers: pingers}
}

// Ping probes every dependency concurrently and joins the failures, each
// prefixed with its dependency name.
func (m *MultiPinger) Ping(ctx context.Context) error {
	errs := make([]error, len(m.pingers))
	for i, c := range probeAll(ctx, m.pingers) {
		if c.err != nil {
			errs[i] = fmt.Errorf("%s: %w", c.Name, c.err)
		}
	}
	return errors.Join(errs...)
}

// Name implements Pinger.
func (m *MultiPinger) Name() string { return "multi" }

// readyCheck is one dependency's entry in the readiness response.
type readyCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	err error
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when every probe succeeded.
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// probeAll runs every pinger concurrently, each under probeTimeout, and
// returns the results in pinger order.
func probeAll(ctx context.Context, pingers []Pinger) []readyCheck {
	checks := make([]readyCheck, len(pingers))
	var wg sync.WaitGroup
	for i, p := range pingers {
		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			start := time.Now()
			err := p.Ping(pctx)
			checks[i] = readyCheck{
				Name:      p.Name(),
				OK:        err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
				err:       err,
			}
			if err != nil {
				checks[i].Error = err.Error()
			}
		})
	}
	wg.Wait()
	return checks
}

// handleHealth handles GET /api/health. It reports liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /api/ready: 200 when every dependency answers,
// 503 otherwise, with one check per dependency either way.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{Ready: true, Checks: probeAll(r.Context(), s.pingers)}
	for _, c := range resp.Checks {
		if c.OK {
			continue
		}
		resp.Ready = false
		log.Warn("readiness probe failed",
			slog.String("dependency", c.Name),
			slog.Any("error", c.err),
		)
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, status, resp)
}
