package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// scriptedBackend returns errs[i] on call i, then hits once errs runs out.
// A nil entry in errs also returns hits.
type scriptedBackend struct {
	mu    sync.Mutex
	errs  []error
	hits  []rag.Hit
	reqs  []rag.SearchRequest
	block bool // first call waits for its context to end
}

func (b *scriptedBackend) Search(ctx context.Context, req rag.SearchRequest) ([]rag.Hit, error) {
	b.mu.Lock()
	n := len(b.reqs)
	b.reqs = append(b.reqs, req)
	block := b.block && n == 0
	var err error
	if n < len(b.errs) {
		err = b.errs[n]
	}
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return b.hits, nil
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

func testSnapshot() config.Snapshot {
	s := config.Defaults()
	s.Retrieval.Index = "handbook"
	s.Retrieval.MaxAttempts = 3
	s.Retrieval.BackoffBase = 10 * time.Millisecond
	s.Retrieval.BackoffMax = time.Second
	s.Retrieval.Jitter = 0
	s.Retrieval.SearchTimeout = time.Second
	return s
}

func page(n int) *int { return &n }

var unavailable = errors.Join(rag.ErrBackendUnavailable, errors.New("connection refused"))

func TestRetrieve_RetriesTransientFailures(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		backend := &scriptedBackend{
			errs: []error{unavailable, unavailable},
			hits: []rag.Hit{{SourceID: "refunds.md", Text: "Refunds within 14 days.", Score: 0.9}},
		}
		var delays []time.Duration
		o := New(backend, WithBackoffObserver(func(_ int, d time.Duration) { delays = append(delays, d) }))

		res, err := o.Retrieve(context.Background(), rag.Query{Text: "refund window", K: 3}, testSnapshot())
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if backend.calls() != 3 {
			t.Errorf("calls = %d, want 3", backend.calls())
		}
		if len(res.Chunks) != 1 || res.Chunks[0].SourceID != "refunds.md" {
			t.Errorf("chunks = %+v", res.Chunks)
		}
		want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
		if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
			t.Errorf("delays = %v, want %v", delays, want)
		}
	})
}

func TestRetrieve_ExhaustsAttempts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		backend := &scriptedBackend{errs: []error{unavailable, unavailable, unavailable, unavailable}}
		reg := prometheus.NewRegistry()
		var delays []time.Duration
		o := New(backend,
			WithRegisterer(reg),
			WithBackoffObserver(func(_ int, d time.Duration) { delays = append(delays, d) }),
		)
		snap := testSnapshot()
		snap.Retrieval.MaxAttempts = 4

		start := time.Now()
		_, err := o.Retrieve(context.Background(), rag.Query{Text: "refund", K: 3}, snap)
		if !errors.Is(err, rag.ErrBackendUnavailable) {
			t.Fatalf("err = %v, want ErrBackendUnavailable", err)
		}
		if !strings.Contains(err.Error(), "after 4 attempts") {
			t.Errorf("error should report the attempt count: %v", err)
		}
		if backend.calls() != 4 {
			t.Errorf("calls = %d, want 4", backend.calls())
		}
		if len(delays) != 3 {
			t.Fatalf("delays = %v, want 3", delays)
		}
		for i := 1; i < len(delays); i++ {
			if delays[i] <= delays[i-1] {
				t.Errorf("backoff not increasing: %v", delays)
			}
		}
		if elapsed := time.Since(start); elapsed != 70*time.Millisecond {
			t.Errorf("elapsed = %v, want 70ms of backoff", elapsed)
		}
		if got := testutil.ToFloat64(o.metrics.searchAttempts.WithLabelValues(outcomeUnavailable)); got != 4 {
			t.Errorf("unavailable attempts = %v, want 4", got)
		}
	})
}

func TestRetrieve_BackoffCapped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		backend := &scriptedBackend{errs: []error{unavailable, unavailable, unavailable, unavailable}}
		var delays []time.Duration
		o := New(backend, WithBackoffObserver(func(_ int, d time.Duration) { delays = append(delays, d) }))
		snap := testSnapshot()
		snap.Retrieval.MaxAttempts = 4
		snap.Retrieval.BackoffMax = 25 * time.Millisecond

		if _, err := o.Retrieve(context.Background(), rag.Query{Text: "refund", K: 1}, snap); err == nil {
			t.Fatal("want error")
		}
		want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
		for i := range want {
			if i >= len(delays) || delays[i] != want[i] {
				t.Fatalf("delays = %v, want %v", delays, want)
			}
		}
	})
}

func TestRetrieve_NoRetryOnBackendError(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{errs: []error{errors.Join(rag.ErrBackendError, errors.New("collection not found"))}}
	o := New(backend)

	_, err := o.Retrieve(context.Background(), rag.Query{Text: "refund", K: 3}, testSnapshot())
	if !errors.Is(err, rag.ErrBackendError) {
		t.Fatalf("err = %v, want ErrBackendError", err)
	}
	if backend.calls() != 1 {
		t.Errorf("calls = %d, want 1", backend.calls())
	}
}

func TestRetrieve_UnclassifiedErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{errs: []error{errors.New("boom")}}
	o := New(backend)

	_, err := o.Retrieve(context.Background(), rag.Query{Text: "refund", K: 3}, testSnapshot())
	if !errors.Is(err, rag.ErrBackendError) {
		t.Fatalf("err = %v, want ErrBackendError", err)
	}
	if backend.calls() != 1 {
		t.Errorf("calls = %d, want 1", backend.calls())
	}
}

func TestRetrieve_AttemptTimeoutIsRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		backend := &scriptedBackend{
			block: true,
			hits:  []rag.Hit{{SourceID: "a.md", Text: "alpha", Score: 0.5}},
		}
		o := New(backend)
		snap := testSnapshot()
		snap.Retrieval.SearchTimeout = 50 * time.Millisecond

		res, err := o.Retrieve(context.Background(), rag.Query{Text: "alpha", K: 1}, snap)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if backend.calls() != 2 || len(res.Chunks) != 1 {
			t.Errorf("calls = %d, chunks = %d", backend.calls(), len(res.Chunks))
		}
		if got := testutil.ToFloat64(o.metrics.searchAttempts.WithLabelValues(outcomeTimeout)); got != 1 {
			t.Errorf("timeout attempts = %v, want 1", got)
		}
	})
}

func TestRetrieve_CallerCancellationStopsRetries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		backend := &scriptedBackend{errs: []error{unavailable, unavailable, unavailable}}
		o := New(backend)
		snap := testSnapshot()
		snap.Retrieval.BackoffBase = time.Second
		snap.Retrieval.BackoffMax = time.Minute

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		_, err := o.Retrieve(ctx, rag.Query{Text: "refund", K: 1}, snap)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
		if backend.calls() != 1 {
			t.Errorf("calls = %d, want 1", backend.calls())
		}
	})
}

func TestRetrieve_PoolWidenedForRerank(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{}
	o := New(backend)
	snap := testSnapshot()
	snap.Rerank.Enabled = true
	snap.Rerank.Multiplier = 3

	if _, err := o.Retrieve(context.Background(), rag.Query{Text: "x", K: 4}, snap); err != nil {
		t.Fatal(err)
	}
	if got := backend.reqs[0].K; got != 12 {
		t.Errorf("pool = %d, want 12", got)
	}
	if backend.reqs[0].Index != "handbook" {
		t.Errorf("index = %q", backend.reqs[0].Index)
	}
}

func TestRetrieve_HybridMaxMerge(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{hits: []rag.Hit{
		{SourceID: "a.md", Text: "Refund policy", Score: 0.4, Mode: rag.ModeSemantic},
		{SourceID: "b.md", Text: "Shipping policy", Score: 0.6, Mode: rag.ModeSemantic},
		{SourceID: "a.md", Text: "Refund policy", Score: 0.9, Mode: rag.ModeKeyword},
	}}
	o := New(backend)
	snap := testSnapshot()
	snap.Retrieval.Hybrid = true

	res, err := o.Retrieve(context.Background(), rag.Query{Text: "refund", K: 5}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 2 {
		t.Fatalf("chunks = %+v", res.Chunks)
	}
	if res.Chunks[0].SourceID != "a.md" || res.Chunks[0].Score != 0.9 {
		t.Errorf("top chunk = %+v, want a.md at 0.9", res.Chunks[0])
	}
	if !backend.reqs[0].Hybrid {
		t.Error("hybrid flag not passed to backend")
	}
}

func TestRetrieve_HybridRRF(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{hits: []rag.Hit{
		{SourceID: "a.md", Text: "alpha", Score: 0.95, Mode: rag.ModeSemantic},
		{SourceID: "b.md", Text: "beta", Score: 0.90, Mode: rag.ModeSemantic},
		{SourceID: "b.md", Text: "beta", Score: 1.0, Mode: rag.ModeKeyword},
	}}
	o := New(backend)
	snap := testSnapshot()
	snap.Retrieval.Hybrid = true
	snap.Retrieval.Fusion = config.FusionRRF

	res, err := o.Retrieve(context.Background(), rag.Query{Text: "beta", K: 5}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 2 || res.Chunks[0].SourceID != "b.md" {
		t.Fatalf("chunks = %+v, want b.md first", res.Chunks)
	}
	want := 1.0/61 + 1.0/62
	if diff := res.Chunks[0].Score - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("fused score = %v, want %v", res.Chunks[0].Score, want)
	}
}

func TestRetrieve_DedupesOrdersAndTruncates(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{hits: []rag.Hit{
		{SourceID: "z.md", Text: "Same passage", Score: 0.8},
		{SourceID: "a.md", Text: "same  PASSAGE", Score: 0.8},
		{SourceID: "c.md", Text: "Other", Score: 0.7, Page: page(2)},
		{SourceID: "c.md", Text: "Another", Score: 0.7, Page: page(1)},
		{SourceID: "d.md", Text: "Last", Score: 0.1},
	}}
	o := New(backend)

	res, err := o.Retrieve(context.Background(), rag.Query{Text: "passage", K: 3}, testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	hashes := map[string]bool{}
	for _, c := range res.Chunks {
		got = append(got, c.SourceID+":"+c.Text)
		if hashes[c.Hash] {
			t.Errorf("duplicate hash %s", c.Hash)
		}
		hashes[c.Hash] = true
	}
	// Deduping happens before truncation, so k unique chunks come back.
	want := []string{"a.md:same  PASSAGE", "c.md:Another", "c.md:Other"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestRetrieve_ResultMetadata(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := New(&scriptedBackend{}, WithClock(func() time.Time { return fixed }))
	snap := testSnapshot()
	q := rag.Query{Text: "Refund window?", K: 2, Filters: map[string]any{"lang": "en"}}

	res, err := o.Retrieve(context.Background(), q, snap)
	if err != nil {
		t.Fatal(err)
	}
	if res.QueryFingerprint != rag.Fingerprint(q, snap.Scope()) {
		t.Error("fingerprint does not match the query and scope")
	}
	if !res.FetchedAt.Equal(fixed) {
		t.Errorf("FetchedAt = %v", res.FetchedAt)
	}
}

func TestRetrieve_InvalidK(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{}
	_, err := New(backend).Retrieve(context.Background(), rag.Query{Text: "x"}, testSnapshot())
	if !errors.Is(err, rag.ErrBackendError) {
		t.Errorf("err = %v", err)
	}
	if backend.calls() != 0 {
		t.Error("backend must not be called")
	}
}

func TestRetrieve_LexicalRerankReorders(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{hits: []rag.Hit{
		{SourceID: "a.md", Text: "Shipping takes five days", Score: 0.9},
		{SourceID: "b.md", Text: "Refund requests within 14 days", Score: 0.5},
	}}
	o := New(backend)
	snap := testSnapshot()
	snap.Rerank.Enabled = true

	res, err := o.Retrieve(context.Background(), rag.Query{Text: "refund requests", K: 1}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].SourceID != "b.md" {
		t.Errorf("chunks = %+v, want b.md", res.Chunks)
	}
}

type failingReranker struct{}

func (failingReranker) Rerank(ctx context.Context, _ string, _ []rag.Chunk) ([]rag.Chunk, error) {
	return nil, errors.New("reranker offline")
}

func TestRetrieve_RerankFailureKeepsBackendScores(t *testing.T) {
	t.Parallel()
	backend := &scriptedBackend{hits: []rag.Hit{
		{SourceID: "a.md", Text: "Shipping", Score: 0.9},
		{SourceID: "b.md", Text: "Refund", Score: 0.5},
	}}
	o := New(backend, WithReranker(MethodEmbedding, failingReranker{}))
	snap := testSnapshot()
	snap.Rerank.Enabled = true
	snap.Rerank.Method = MethodEmbedding

	res, err := o.Retrieve(context.Background(), rag.Query{Text: "refund", K: 2}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks[0].SourceID != "a.md" || res.Chunks[0].Score != 0.9 {
		t.Errorf("chunks = %+v, want backend order", res.Chunks)
	}
	if got := testutil.ToFloat64(o.metrics.rerankFallbacks); got != 1 {
		t.Errorf("rerank fallbacks = %v, want 1", got)
	}
}

type axisEmbedder struct{}

// Embed maps texts mentioning "refund" to one axis and everything else to
// the other.
func (axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		if strings.Contains(strings.ToLower(s), "refund") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func TestEmbeddingReranker(t *testing.T) {
	t.Parallel()
	in := []rag.Chunk{
		{SourceID: "a.md", Text: "Shipping", Score: 0.9},
		{SourceID: "b.md", Text: "Refunds", Score: 0.1},
	}
	out, err := Embedding{Embedder: axisEmbedder{}}.Rerank(context.Background(), "refund", in)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Score != 0 || out[1].Score != 1 {
		t.Errorf("scores = %v, %v", out[0].Score, out[1].Score)
	}
	if in[0].Score != 0.9 {
		t.Error("input must not be modified")
	}
}
