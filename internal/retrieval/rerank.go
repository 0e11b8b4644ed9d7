package retrieval

import (
	"context"
	"fmt"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// Rerank method names.
const (
	MethodLexical   = "lexical"
	MethodEmbedding = "embedding"
)

// Reranker rescores a candidate pool against the query. Implementations
// return a new slice and must not modify the input.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []rag.Chunk) ([]rag.Chunk, error)
}

// Lexical rescores by query term overlap. The backend score is kept as a
// fractional tie-breaker so equal-overlap candidates keep their prior order.
type Lexical struct{}

// Rerank implements Reranker.
func (Lexical) Rerank(ctx context.Context, query string, chunks []rag.Chunk) ([]rag.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := rag.Terms(query)
	out := make([]rag.Chunk, len(chunks))
	for i, c := range chunks {
		c.Score = rag.OverlapScore(terms, c.Text) + c.Score*1e-6
		out[i] = c
	}
	return out, nil
}

// Embedding rescores by cosine similarity between the query embedding and
// each candidate's embedding.
type Embedding struct {
	Embedder rag.Embedder
}

// Rerank implements Reranker.
func (e Embedding) Rerank(ctx context.Context, query string, chunks []rag.Chunk) ([]rag.Chunk, error) {
	texts := make([]string, 0, len(chunks)+1)
	texts = append(texts, query)
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}

	vecs, err := e.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed rerank candidates: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("retrieval: embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	out := make([]rag.Chunk, len(chunks))
	for i, c := range chunks {
		c.Score = rag.Cosine(vecs[0], vecs[i+1])
		out[i] = c
	}
	return out, nil
}
