package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/54b3r/ragkit-go/internal/logging"
)

const (
	// defaultRateLimit is the sustained requests per second per client IP.
	defaultRateLimit = 10
	// defaultRateBurst allows short spikes above the sustained rate.
	defaultRateBurst = 20

	// limiterIdleTTL drops a client's bucket after this long without requests.
	limiterIdleTTL = 5 * time.Minute
	// maxTrackedClients bounds the number of buckets held at once; the least
	// recently seen client is dropped first.
	maxTrackedClients = 10_000
)

// rateLimiter enforces a per-IP token bucket on the tool routes, so one
// misbehaving agent cannot starve the retrieval backend for the others.
type rateLimiter struct {
	// mu serialises get-or-create so concurrent first requests from one IP
	// share a bucket.
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, limiterIdleTTL),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// bucket returns ip's limiter and refreshes its idle deadline.
func (rl *rateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.buckets.Get(ip)
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
	}
	rl.buckets.Add(ip, l)
	return l
}

// middleware rejects over-limit requests with 429 and a Retry-After header
// giving the whole seconds until the next token.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		res := rl.bucket(ip).Reserve()
		wait := res.Delay()
		if wait == 0 {
			next.ServeHTTP(w, r)
			return
		}
		res.Cancel()

		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("ip", ip),
			slog.Duration("retry_after", wait),
		)
		w.Header().Set("Retry-After", retryAfter(wait))
		writeJSON(r.Context(), w, http.StatusTooManyRequests, errorResponse{
			Status:  "error",
			Kind:    "RateLimited",
			Message: "rate limit exceeded",
		})
	})
}

// retryAfter renders d as whole seconds, at least 1. A limiter that can
// never refill reports an hour.
func retryAfter(d time.Duration) string {
	if d == rate.InfDuration || d > time.Hour {
		d = time.Hour
	}
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// clientIP is the peer address without its port. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
