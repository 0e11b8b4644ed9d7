package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// okHandler is a trivial downstream handler for middleware tests.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func sendFrom(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/query?q=refund", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_AllowsBurst(t *testing.T) {
	t.Parallel()
	h := newRateLimiter(100, 5).middleware(okHandler)

	for i := range 5 {
		if w := sendFrom(h, "127.0.0.1:12345"); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	t.Parallel()
	// One token per 1000s: the second request cannot be served.
	h := newRateLimiter(0.001, 1).middleware(okHandler)

	if w := sendFrom(h, "10.0.0.1:9999"); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := sendFrom(h, "10.0.0.1:9999")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1000" {
		t.Errorf("Retry-After = %q, want 1000", got)
	}
	var body errorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "error" || body.Kind != "RateLimited" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimit_RejectedRequestKeepsNoToken(t *testing.T) {
	t.Parallel()
	// 20 tokens per second: after the burst, a rejected request must not
	// push the next token further out.
	rl := newRateLimiter(20, 1)
	h := rl.middleware(okHandler)

	sendFrom(h, "10.0.0.2:1")
	if w := sendFrom(h, "10.0.0.2:1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	time.Sleep(100 * time.Millisecond)
	if w := sendFrom(h, "10.0.0.2:1"); w.Code != http.StatusOK {
		t.Errorf("after refill: got %d, want 200", w.Code)
	}
}

func TestRateLimit_PerIPIsolation(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(0.001, 1)
	h := rl.middleware(okHandler)

	sendFrom(h, "192.168.1.1:1000")
	if w := sendFrom(h, "192.168.1.1:1000"); w.Code != http.StatusTooManyRequests {
		t.Errorf("IP A second request: got %d, want 429", w.Code)
	}
	if w := sendFrom(h, "192.168.1.2:1000"); w.Code != http.StatusOK {
		t.Errorf("IP B first request: got %d, want 200", w.Code)
	}
	if n := rl.buckets.Len(); n != 2 {
		t.Errorf("tracked clients = %d, want 2", n)
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()
	for d, want := range map[time.Duration]string{
		50 * time.Millisecond:   "1",
		1500 * time.Millisecond: "2",
		90 * time.Minute:        "3600",
	} {
		if got := retryAfter(d); got != want {
			t.Errorf("retryAfter(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	for remote, want := range map[string]string{
		"127.0.0.1:8080": "127.0.0.1",
		"[::1]:8080":     "::1",
		"10.0.0.1":       "10.0.0.1",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := clientIP(req); got != want {
			t.Errorf("clientIP(%q) = %q, want %q", remote, got, want)
		}
	}
}
