// Package rag defines the retrieval data model shared by the orchestrator,
// the cache and the context assembler, together with the narrow interfaces
// used to reach the external search and embedding backends.
// Concrete backends (Qdrant, in-memory corpus) satisfy these interfaces so the
// retrieval layer never depends on a specific store.
package rag

import (
	"context"
	"errors"
	"time"
)

// Backend failure classes. Backends wrap every error they return in exactly
// one of these so the orchestrator can decide whether to retry.
var (
	// ErrBackendUnavailable marks a transient failure (timeout, 5xx-class,
	// connection refused). Retryable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendError marks a non-transient failure (unknown index, schema
	// mismatch, rejected request). Never retried.
	ErrBackendError = errors.New("backend error")
)

// Query is a retrieval request as issued by a caller. It is passed by value
// and never mutated after construction.
type Query struct {
	// Text is the natural-language query.
	Text string

	// K is the number of chunks requested (> 0).
	K int

	// Filters restricts candidates by payload field. Values are scalars:
	// string, bool, or a number.
	Filters map[string]any
}

// Chunk is a span of source text with its retrieval score and provenance.
// Chunks are treated as values: the assembler reads them but never mutates.
type Chunk struct {
	// SourceID identifies the source document.
	SourceID string `json:"source_id"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Score is the backend (or reranker) relevance score.
	Score float64 `json:"score"`

	// Page is the optional page number within the source.
	Page *int `json:"page,omitempty"`

	// Hash is the content fingerprint used for deduplication.
	Hash string `json:"hash"`
}

// RetrievalResult is the ranked, deduplicated output of one retrieval.
type RetrievalResult struct {
	// Chunks is ordered by descending score with deterministic tie-breaks.
	Chunks []Chunk `json:"chunks"`

	// QueryFingerprint is the cache key the result was computed for.
	QueryFingerprint string `json:"query_fingerprint"`

	// FetchedAt is when the orchestrator produced the result.
	FetchedAt time.Time `json:"fetched_at"`
}

// ContextBlock is the token-bounded, citation-tagged context handed to the
// calling agent.
type ContextBlock struct {
	// Text is the assembled context with inline markers like "[1]".
	Text string `json:"text"`

	// CitationMap maps each marker present in Text to its SourceID.
	CitationMap map[string]string `json:"citation_map"`

	// TokenCount is the estimated token cost of Text.
	TokenCount int `json:"token_count"`
}

// Mode tags which candidate set a search hit came from.
type Mode string

const (
	// ModeSemantic marks a vector-similarity hit.
	ModeSemantic Mode = "semantic"
	// ModeKeyword marks a keyword-match hit.
	ModeKeyword Mode = "keyword"
)

// SearchRequest is the argument to SearchBackend.Search.
type SearchRequest struct {
	// Index is the collection / index name to search.
	Index string

	// Text is the raw query text.
	Text string

	// K is the number of candidates wanted per candidate set.
	K int

	// Filters restricts candidates by payload field (scalar equality).
	Filters map[string]any

	// Hybrid requests both semantic and keyword candidate sets.
	Hybrid bool
}

// Hit is one raw candidate returned by a search backend.
type Hit struct {
	// SourceID identifies the source document.
	SourceID string

	// Text is the chunk content.
	Text string

	// Score is the backend-assigned relevance score.
	Score float64

	// Page is the optional page number.
	Page *int

	// Mode is the candidate set this hit came from.
	Mode Mode
}

// SearchBackend is the external vector / hybrid search service.
// Implementations must be safe to call from multiple goroutines and must wrap
// every returned error in ErrBackendUnavailable or ErrBackendError.
type SearchBackend interface {
	// Search returns up to K candidates per requested candidate set.
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
