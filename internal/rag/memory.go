package rag

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is one entry of an in-memory corpus.
type Document struct {
	// Source is the document identifier reported as Chunk.SourceID.
	Source string `yaml:"source"`

	// Page is the optional page number.
	Page *int `yaml:"page,omitempty"`

	// Text is the chunk content.
	Text string `yaml:"text"`

	// Metadata holds additional scalar payload fields usable as filters.
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// corpusFile is the on-disk YAML layout read by LoadCorpus.
type corpusFile struct {
	Indexes map[string][]Document `yaml:"indexes"`
}

// MemoryBackend implements SearchBackend over a fixed set of documents held
// in memory, grouped by index name. Semantic candidates use the embedder when
// one is configured and fall back to term overlap otherwise, in which case
// documents with no overlap are not returned. It is intended
// for local runs and tests.
type MemoryBackend struct {
	indexes  map[string][]Document
	embedder Embedder
}

// NewMemoryBackend returns a backend over indexes. embedder may be nil.
func NewMemoryBackend(indexes map[string][]Document, embedder Embedder) *MemoryBackend {
	return &MemoryBackend{indexes: indexes, embedder: embedder}
}

// LoadCorpus reads a YAML corpus file of the form:
//
//	indexes:
//	  docs:
//	    - source: policy.md
//	      page: 3
//	      text: "Refunds are issued within 14 days."
func LoadCorpus(path string) (map[string][]Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied config
	if err != nil {
		return nil, fmt.Errorf("rag: read corpus %q: %w", path, err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rag: parse corpus %q: %w", path, err)
	}
	return f.Indexes, nil
}

// Search scores every document of req.Index that passes the filters.
func (m *MemoryBackend) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	docs, ok := m.indexes[req.Index]
	if !ok {
		return nil, fmt.Errorf("memory: %w: unknown index %q", ErrBackendError, req.Index)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory: %w: %w", ErrBackendUnavailable, err)
	}

	candidates := make([]Document, 0, len(docs))
	for _, d := range docs {
		if matchesFilters(d, req.Filters) {
			candidates = append(candidates, d)
		}
	}

	terms := Terms(req.Text)
	semantic, err := m.semantic(ctx, req.Text, terms, candidates)
	if err != nil {
		return nil, err
	}
	hits := topK(semantic, req.K)

	if req.Hybrid {
		keyword := make([]Hit, 0, len(candidates))
		for _, d := range candidates {
			score := OverlapScore(terms, d.Text)
			if score == 0 {
				continue
			}
			keyword = append(keyword, docHit(d, score, ModeKeyword))
		}
		hits = append(hits, topK(keyword, req.K)...)
	}
	return hits, nil
}

func (m *MemoryBackend) semantic(ctx context.Context, text string, terms []string, docs []Document) ([]Hit, error) {
	hits := make([]Hit, 0, len(docs))
	if m.embedder == nil || len(docs) == 0 {
		// Term overlap with the source name and text. A document sharing no
		// term with the query is not a candidate.
		for _, d := range docs {
			score := OverlapScore(terms, d.Source+" "+d.Text)
			if score == 0 {
				continue
			}
			hits = append(hits, docHit(d, score, ModeSemantic))
		}
		return hits, nil
	}

	inputs := make([]string, 0, len(docs)+1)
	inputs = append(inputs, text)
	for _, d := range docs {
		inputs = append(inputs, d.Text)
	}
	vectors, err := m.embedder.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	if len(vectors) != len(inputs) {
		return nil, fmt.Errorf("memory: %w: embedder returned %d vectors for %d inputs", ErrBackendError, len(vectors), len(inputs))
	}
	for i, d := range docs {
		hits = append(hits, docHit(d, Cosine(vectors[0], vectors[i+1]), ModeSemantic))
	}
	return hits, nil
}

func docHit(d Document, score float64, mode Mode) Hit {
	return Hit{SourceID: d.Source, Text: d.Text, Score: score, Page: d.Page, Mode: mode}
}

// topK keeps the k best hits by score, stable on input order.
func topK(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// matchesFilters reports whether d satisfies every equality filter. The
// "source" and "page" keys address the document fields; any other key is
// looked up in Metadata.
func matchesFilters(d Document, filters map[string]any) bool {
	for k, want := range filters {
		var got any
		switch k {
		case "source":
			got = d.Source
		case "page":
			if d.Page == nil {
				return false
			}
			got = *d.Page
		default:
			v, ok := d.Metadata[k]
			if !ok {
				return false
			}
			got = v
		}
		if canonicalScalar(got) != canonicalScalar(want) {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// String summarises the loaded indexes for logs.
func (m *MemoryBackend) String() string {
	names := make([]string, 0, len(m.indexes))
	for name, docs := range m.indexes {
		names = append(names, fmt.Sprintf("%s(%d)", name, len(docs)))
	}
	sort.Strings(names)
	return "memory[" + strings.Join(names, ",") + "]"
}
