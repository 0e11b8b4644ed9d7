package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestFingerprint_NormalizesText(t *testing.T) {
	t.Parallel()
	scope := Scope{Provider: "qdrant", Index: "docs"}
	a := Fingerprint(Query{Text: "Refund  Policy", K: 5}, scope)
	b := Fingerprint(Query{Text: "  refund policy\n", K: 5}, scope)
	if a != b {
		t.Errorf("case/whitespace variants should share a fingerprint: %s != %s", a, b)
	}
}

func TestFingerprint_FilterOrderIrrelevant(t *testing.T) {
	t.Parallel()
	scope := Scope{Provider: "qdrant", Index: "docs"}
	a := Fingerprint(Query{Text: "q", K: 3, Filters: map[string]any{"a": "x", "b": true}}, scope)
	b := Fingerprint(Query{Text: "q", K: 3, Filters: map[string]any{"b": true, "a": "x"}}, scope)
	if a != b {
		t.Error("filter insertion order must not change the fingerprint")
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	t.Parallel()
	base := Query{Text: "q", K: 3, Filters: map[string]any{"page": 1}}
	scope := Scope{Provider: "qdrant", Index: "docs"}
	ref := Fingerprint(base, scope)

	cases := []struct {
		name  string
		q     Query
		scope Scope
	}{
		{"k", Query{Text: "q", K: 4, Filters: base.Filters}, scope},
		{"text", Query{Text: "r", K: 3, Filters: base.Filters}, scope},
		{"filter type", Query{Text: "q", K: 3, Filters: map[string]any{"page": "1"}}, scope},
		{"index", base, Scope{Provider: "qdrant", Index: "other"}},
		{"provider", base, Scope{Provider: "memory", Index: "docs"}},
		{"hybrid", base, Scope{Provider: "qdrant", Index: "docs", Hybrid: true}},
		{"rerank", base, Scope{Provider: "qdrant", Index: "docs", Rerank: true}},
		{"fusion", base, Scope{Provider: "qdrant", Index: "docs", Fusion: "rrf"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if Fingerprint(tc.q, tc.scope) == ref {
				t.Errorf("changing %s must change the fingerprint", tc.name)
			}
		})
	}
}

func TestFingerprint_IntegralNumbersShareKey(t *testing.T) {
	t.Parallel()
	scope := Scope{Index: "docs"}
	a := Fingerprint(Query{Text: "q", K: 1, Filters: map[string]any{"page": 2}}, scope)
	b := Fingerprint(Query{Text: "q", K: 1, Filters: map[string]any{"page": float64(2)}}, scope)
	if a != b {
		t.Error("int 2 and float64 2 should encode identically")
	}
}

func TestSortChunks_TieBreaks(t *testing.T) {
	t.Parallel()
	chunks := []Chunk{
		{SourceID: "b", Score: 0.5, Page: intPtr(1), Hash: "h1"},
		{SourceID: "a", Score: 0.5, Page: intPtr(2), Hash: "h2"},
		{SourceID: "a", Score: 0.5, Page: nil, Hash: "h3"},
		{SourceID: "z", Score: 0.9, Hash: "h4"},
		{SourceID: "a", Score: 0.5, Page: intPtr(2), Hash: "h0"},
	}
	SortChunks(chunks)

	want := []string{"h4", "h3", "h0", "h2", "h1"}
	for i, c := range chunks {
		if c.Hash != want[i] {
			t.Fatalf("position %d: got %s, want %s (full order %v)", i, c.Hash, want[i], hashes(chunks))
		}
	}
}

func hashes(cs []Chunk) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Hash
	}
	return out
}

func TestDedupe_KeepsFirst(t *testing.T) {
	t.Parallel()
	h := ContentHash("Refunds within 14 days")
	in := []Chunk{
		{SourceID: "a", Score: 0.9, Hash: h},
		{SourceID: "b", Score: 0.8, Hash: ContentHash("other")},
		{SourceID: "c", Score: 0.7, Hash: ContentHash("refunds   WITHIN 14 days")},
	}
	out := Dedupe(in)
	if len(out) != 2 {
		t.Fatalf("want 2 chunks after dedupe, got %d", len(out))
	}
	if out[0].SourceID != "a" {
		t.Errorf("first occurrence must be kept, got %s", out[0].SourceID)
	}
}

func TestOverlapScore(t *testing.T) {
	t.Parallel()
	terms := Terms("refund policy refund")
	if got := OverlapScore(terms, "Our refund rules."); got != 0.5 {
		t.Errorf("OverlapScore = %v, want 0.5", got)
	}
	if got := OverlapScore(terms, "Refund policy: 14 days"); got != 1 {
		t.Errorf("OverlapScore = %v, want 1", got)
	}
	if got := OverlapScore(nil, "anything"); got != 0 {
		t.Errorf("OverlapScore with no terms = %v, want 0", got)
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: got %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: got %v", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("length mismatch: got %v", got)
	}
}

func testCorpus() map[string][]Document {
	return map[string][]Document{
		"docs": {
			{Source: "policy.md", Page: intPtr(1), Text: "Refund requests are honoured within 14 days of purchase."},
			{Source: "policy.md", Page: intPtr(2), Text: "Shipping is free for orders over 50 dollars."},
			{Source: "faq.md", Text: "Contact support to start a refund.", Metadata: map[string]any{"lang": "en"}},
		},
	}
}

func TestMemoryBackend_Search(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(testCorpus(), nil)

	hits, err := b.Search(context.Background(), SearchRequest{Index: "docs", Text: "refund policy", K: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.Mode != ModeSemantic {
			t.Errorf("non-hybrid search returned mode %q", h.Mode)
		}
	}
}

func TestMemoryBackend_NoOverlapNoHits(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(testCorpus(), nil)

	hits, err := b.Search(context.Background(), SearchRequest{Index: "docs", Text: "quantum chromodynamics", K: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("unrelated query returned %d hits: %+v", len(hits), hits)
	}

	// The source name counts towards overlap.
	hits, err = b.Search(context.Background(), SearchRequest{Index: "docs", Text: "faq", K: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].SourceID != "faq.md" {
		t.Errorf("source query: got %+v", hits)
	}
}

func TestMemoryBackend_HybridTagsModes(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(testCorpus(), nil)

	hits, err := b.Search(context.Background(), SearchRequest{Index: "docs", Text: "refund", K: 3, Hybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var kw int
	for _, h := range hits {
		if h.Mode == ModeKeyword {
			kw++
		}
	}
	if kw != 2 {
		t.Errorf("want 2 keyword hits (documents containing 'refund'), got %d", kw)
	}
}

func TestMemoryBackend_Filters(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(testCorpus(), nil)

	hits, err := b.Search(context.Background(), SearchRequest{
		Index: "docs", Text: "refund", K: 5,
		Filters: map[string]any{"source": "policy.md", "page": float64(1)},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Page == nil || *hits[0].Page != 1 {
		t.Fatalf("want the single page-1 policy hit, got %+v", hits)
	}

	hits, err = b.Search(context.Background(), SearchRequest{
		Index: "docs", Text: "refund", K: 5, Filters: map[string]any{"lang": "en"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].SourceID != "faq.md" {
		t.Fatalf("metadata filter: got %+v", hits)
	}
}

func TestMemoryBackend_UnknownIndex(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(testCorpus(), nil)
	_, err := b.Search(context.Background(), SearchRequest{Index: "nope", Text: "x", K: 1})
	if !errors.Is(err, ErrBackendError) {
		t.Fatalf("want ErrBackendError, got %v", err)
	}
}

type fixedEmbedder struct{ vecs map[string][]float32 }

func (f fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func TestMemoryBackend_EmbedderScores(t *testing.T) {
	t.Parallel()
	corpus := testCorpus()
	shipping := corpus["docs"][1].Text
	emb := fixedEmbedder{vecs: map[string][]float32{
		"cheap delivery": {1, 0, 0},
		shipping:         {1, 0, 0},
	}}
	b := NewMemoryBackend(corpus, emb)

	hits, err := b.Search(context.Background(), SearchRequest{Index: "docs", Text: "cheap delivery", K: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Page == nil || *hits[0].Page != 2 {
		t.Fatalf("embedding similarity should pick the shipping chunk, got %+v", hits)
	}
}

func TestLoadCorpus(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	data := `indexes:
  docs:
    - source: policy.md
      page: 3
      text: "Refunds are issued within 14 days."
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCorpus(path)
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	docs := got["docs"]
	if len(docs) != 1 || docs[0].Source != "policy.md" || docs[0].Page == nil || *docs[0].Page != 3 {
		t.Fatalf("unexpected corpus: %+v", got)
	}
}

func TestQdrantFilter(t *testing.T) {
	t.Parallel()
	f, err := qdrantFilter(map[string]any{"source": "a", "page": float64(2), "draft": false}, nil)
	if err != nil {
		t.Fatalf("qdrantFilter: %v", err)
	}
	if len(f.GetMust()) != 3 {
		t.Fatalf("want 3 must conditions, got %d", len(f.GetMust()))
	}
	if _, err := qdrantFilter(map[string]any{"x": []string{"a"}}, nil); !errors.Is(err, ErrBackendError) {
		t.Fatalf("non-scalar filter: want ErrBackendError, got %v", err)
	}
	if f, _ := qdrantFilter(nil, nil); f != nil {
		t.Error("no filters should produce a nil filter")
	}
}
