// Package retrieval turns a query into a ranked, deduplicated list of chunks
// by calling the configured search backend. It widens the candidate pool for
// reranking, merges hybrid candidate sets, retries transient backend failures
// with exponential backoff, and applies a deterministic final order.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// BackoffObserver is told about every retry delay before it is slept.
// attempt is the number of the attempt that just failed (1-based).
type BackoffObserver func(attempt int, delay time.Duration)

// Orchestrator issues retrieval requests. It is safe for concurrent use.
type Orchestrator struct {
	backend   rag.SearchBackend
	rerankers map[string]Reranker
	metrics   *metrics
	observe   BackoffObserver
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReranker registers r under method name (matched against rerank.method).
func WithReranker(method string, r Reranker) Option {
	return func(o *Orchestrator) { o.rerankers[method] = r }
}

// WithRegisterer registers the orchestrator metrics against reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) { o.metrics = newMetrics(reg) }
}

// WithBackoffObserver installs a hook called before each retry delay.
func WithBackoffObserver(fn BackoffObserver) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithClock overrides the time source used for FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an Orchestrator over backend. The lexical reranker is always
// registered; others are added with WithReranker.
func New(backend rag.SearchBackend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:   backend,
		rerankers: map[string]Reranker{MethodLexical: Lexical{}},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = newMetrics(prometheus.NewRegistry())
	}
	return o
}

// Retrieve runs one retrieval for q under snap. Errors wrap
// rag.ErrBackendUnavailable once the retry budget is spent, or
// rag.ErrBackendError for non-transient faults, or the context error if ctx
// ends first.
func (o *Orchestrator) Retrieve(ctx context.Context, q rag.Query, snap config.Snapshot) (*rag.RetrievalResult, error) {
	if q.K <= 0 {
		return nil, fmt.Errorf("retrieval: %w: k must be positive, got %d", rag.ErrBackendError, q.K)
	}

	pool := q.K
	if snap.Rerank.Enabled {
		pool = q.K * max(snap.Rerank.Multiplier, 1)
	}

	req := rag.SearchRequest{
		Index:   snap.Retrieval.Index,
		Text:    q.Text,
		K:       pool,
		Filters: q.Filters,
		Hybrid:  snap.Retrieval.Hybrid,
	}
	hits, err := o.search(ctx, req, snap.Retrieval)
	if err != nil {
		return nil, err
	}

	var chunks []rag.Chunk
	switch {
	case !snap.Retrieval.Hybrid:
		chunks = toChunks(hits)
	case snap.Retrieval.Fusion == config.FusionRRF:
		chunks = fuseRRF(hits)
	default:
		chunks = mergeMax(hits)
	}

	if snap.Rerank.Enabled && len(chunks) > 0 {
		chunks = o.rerank(ctx, q.Text, chunks, snap.Rerank)
	}

	rag.SortChunks(chunks)
	chunks = rag.Dedupe(chunks)
	if len(chunks) > q.K {
		chunks = chunks[:q.K]
	}

	return &rag.RetrievalResult{
		Chunks:           chunks,
		QueryFingerprint: rag.Fingerprint(q, snap.Scope()),
		FetchedAt:        o.now(),
	}, nil
}

// search calls the backend, retrying transient failures.
func (o *Orchestrator) search(ctx context.Context, req rag.SearchRequest, cfg config.Retrieval) ([]rag.Hit, error) {
	log := logging.FromContext(ctx)
	attempt := 0

	var backoff retry.Backoff = retry.NewExponential(cfg.BackoffBase)
	backoff = retry.WithCappedDuration(cfg.BackoffMax, backoff)
	if cfg.Jitter > 0 {
		backoff = retry.WithJitter(cfg.Jitter, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(max(cfg.MaxAttempts-1, 0)), backoff) //nolint:gosec // bounded by config validation
	backoff = o.observed(backoff, &attempt, log)

	var hits []rag.Hit
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		h, err := o.attempt(ctx, req, cfg.SearchTimeout)
		if err == nil {
			hits = h
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, rag.ErrBackendUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, rag.ErrBackendUnavailable) {
			return nil, fmt.Errorf("retrieval: search failed after %d attempts: %w", attempt, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("retrieval: search abandoned after %d attempts: %w", attempt, ctx.Err())
		}
		return nil, fmt.Errorf("retrieval: search failed: %w", err)
	}
	return hits, nil
}

// attempt runs one bounded backend call and classifies its failure.
func (o *Orchestrator) attempt(ctx context.Context, req rag.SearchRequest, timeout time.Duration) ([]rag.Hit, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	hits, err := o.backend.Search(actx, req)
	o.metrics.searchDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		o.metrics.searchAttempts.WithLabelValues(outcomeOK).Inc()
		return hits, nil
	case ctx.Err() == nil && actx.Err() != nil:
		o.metrics.searchAttempts.WithLabelValues(outcomeTimeout).Inc()
		return nil, fmt.Errorf("%w: attempt exceeded %s: %w", rag.ErrBackendUnavailable, timeout, err)
	case errors.Is(err, rag.ErrBackendUnavailable):
		o.metrics.searchAttempts.WithLabelValues(outcomeUnavailable).Inc()
		return nil, err
	case errors.Is(err, rag.ErrBackendError):
		o.metrics.searchAttempts.WithLabelValues(outcomeError).Inc()
		return nil, err
	default:
		o.metrics.searchAttempts.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("%w: %w", rag.ErrBackendError, err)
	}
}

// observed wraps b so each scheduled retry is logged and reported to the
// observer hook.
func (o *Orchestrator) observed(b retry.Backoff, attempt *int, log *slog.Logger) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop {
			return d, stop
		}
		log.Warn("retrieval: transient search failure, retrying",
			slog.Int("attempt", *attempt),
			slog.Duration("backoff", d),
		)
		if o.observe != nil {
			o.observe(*attempt, d)
		}
		return d, stop
	})
}

// rerank rescoring is best effort: on error or timeout the backend scores
// are kept.
func (o *Orchestrator) rerank(ctx context.Context, query string, chunks []rag.Chunk, cfg config.Rerank) []rag.Chunk {
	log := logging.FromContext(ctx)
	r, ok := o.rerankers[cfg.Method]
	if !ok {
		o.metrics.rerankFallbacks.Inc()
		log.Warn("retrieval: reranker not available, keeping backend scores", slog.String("method", cfg.Method))
		return chunks
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	out, err := r.Rerank(rctx, query, chunks)
	if err != nil {
		o.metrics.rerankFallbacks.Inc()
		log.Warn("retrieval: rerank failed, keeping backend scores",
			slog.String("method", cfg.Method),
			slog.Any("error", err),
		)
		return chunks
	}
	return out
}
