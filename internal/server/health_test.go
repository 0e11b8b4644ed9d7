package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	name  string
	err   error
	delay time.Duration
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

// newReadyTestServer builds a *Server with the given pingers wired in.
func newReadyTestServer(t *testing.T, pingers ...Pinger) *Server {
	t.Helper()
	s := newTestServer(t, nil)
	s.pingers = pingers
	return s
}

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	w := do(t, newTestServer(t, nil), http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode[map[string]string](t, w); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleReady(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	cases := []struct {
		name      string
		pingers   []Pinger
		wantCode  int
		wantReady bool
		wantOK    []bool
	}{
		{"no dependencies", nil, http.StatusOK, true, nil},
		{"all healthy", []Pinger{&fakePinger{name: "redis"}, &fakePinger{name: "qdrant"}}, http.StatusOK, true, []bool{true, true}},
		{"one failing", []Pinger{&fakePinger{name: "redis"}, &fakePinger{name: "qdrant", err: down}}, http.StatusServiceUnavailable, false, []bool{true, false}},
		{"all failing", []Pinger{&fakePinger{name: "redis", err: down}, &fakePinger{name: "qdrant", err: down}}, http.StatusServiceUnavailable, false, []bool{false, false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := do(t, newReadyTestServer(t, tc.pingers...), http.MethodGet, "/api/ready", "")
			if w.Code != tc.wantCode {
				t.Fatalf("got %d, want %d: %s", w.Code, tc.wantCode, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			resp := decode[readyResponse](t, w)
			if resp.Ready != tc.wantReady || len(resp.Checks) != len(tc.wantOK) {
				t.Fatalf("resp = %+v", resp)
			}
			for i, c := range resp.Checks {
				if c.Name != tc.pingers[i].Name() {
					t.Errorf("check %d = %q, want pinger order", i, c.Name)
				}
				if c.OK != tc.wantOK[i] || (c.OK == (c.Error != "")) {
					t.Errorf("check %q: ok=%v error=%q", c.Name, c.OK, c.Error)
				}
			}
		})
	}
}

func TestHandleReady_ProbesConcurrently(t *testing.T) {
	t.Parallel()

	slow := func(name string) Pinger { return &fakePinger{name: name, delay: 150 * time.Millisecond} }
	s := newReadyTestServer(t, slow("qdrant"), slow("redis"), slow("llm"))

	start := time.Now()
	w := do(t, s, http.MethodGet, "/api/ready", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("three 150ms probes took %v, want them to overlap", elapsed)
	}
	for _, c := range decode[readyResponse](t, w).Checks {
		if c.LatencyMS < 100 {
			t.Errorf("check %q latency = %dms, want the probe duration", c.Name, c.LatencyMS)
		}
	}
}

func TestMultiPinger_JoinsFailures(t *testing.T) {
	t.Parallel()

	m := NewMultiPinger(
		&fakePinger{name: "qdrant", err: errors.New("refused")},
		&fakePinger{name: "redis"},
		&fakePinger{name: "cache", err: errors.New("timeout")},
	)
	err := m.Ping(context.Background())
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{"qdrant: refused", "cache: timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if strings.Contains(err.Error(), "redis") {
		t.Errorf("healthy dependency reported: %q", err)
	}

	if err := NewMultiPinger(&fakePinger{name: "redis"}).Ping(context.Background()); err != nil {
		t.Errorf("healthy: %v", err)
	}
}

func TestReadyCheck_JSONOmitsInternalError(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(readyCheck{Name: "redis", OK: true, err: errors.New("x")})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); got != `{"name":"redis","ok":true,"latency_ms":0}` {
		t.Errorf("json = %s", got)
	}
}
