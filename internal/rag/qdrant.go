package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Payload keys written by the ingestion side and read back here.
const (
	payloadContent = "content"
	payloadSource  = "source"
	payloadPage    = "page"
)

// keywordScanFactor bounds how many full-text matches are scanned per wanted
// keyword candidate before local scoring.
const keywordScanFactor = 4

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantBackend implements SearchBackend against a Qdrant instance. The
// collection is taken from each SearchRequest so a configuration reload can
// point retrieval at a different index without reconnecting.
type QdrantBackend struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// embedder vectorises the query for the semantic candidate set.
	embedder Embedder
}

// NewQdrantBackend dials Qdrant and returns a ready-to-use backend.
func NewQdrantBackend(cfg *QdrantConfig, embedder Embedder) (*QdrantBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantBackend{client: client, embedder: embedder}, nil
}

// Client exposes the gRPC client for readiness probes.
func (b *QdrantBackend) Client() *qdrant.Client { return b.client }

// Search returns the semantic candidate set, plus the keyword candidate set
// when req.Hybrid is set.
func (b *QdrantBackend) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	filter, err := qdrantFilter(req.Filters, nil)
	if err != nil {
		return nil, err
	}

	hits, err := b.semantic(ctx, req, filter)
	if err != nil {
		return nil, err
	}
	if !req.Hybrid {
		return hits, nil
	}

	kw, err := b.keyword(ctx, req)
	if err != nil {
		return nil, err
	}
	return append(hits, kw...), nil
}

// semantic embeds the query and runs a cosine similarity query.
func (b *QdrantBackend) semantic(ctx context.Context, req SearchRequest, filter *qdrant.Filter) ([]Hit, error) {
	vectors, err := b.embedder.Embed(ctx, []string{req.Text})
	if err != nil {
		if errors.Is(err, ErrBackendError) || errors.Is(err, ErrBackendUnavailable) {
			return nil, fmt.Errorf("qdrant: embed query: %w", err)
		}
		return nil, fmt.Errorf("qdrant: embed query: %w: %w", ErrBackendUnavailable, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("qdrant: %w: embedder returned no vector", ErrBackendError)
	}

	limit := uint64(req.K) //nolint:gosec // K is validated positive
	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: req.Index,
		Query:          qdrant.NewQuery(vectors[0]...),
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyGRPC("semantic query", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		h := hitFromPayload(p.GetPayload())
		h.Score = float64(p.GetScore())
		h.Mode = ModeSemantic
		hits = append(hits, h)
	}
	return hits, nil
}

// keyword scans full-text matches on the content field and scores them by
// query-term overlap, since Qdrant does not rank filter-only matches.
func (b *QdrantBackend) keyword(ctx context.Context, req SearchRequest) ([]Hit, error) {
	filter, err := qdrantFilter(req.Filters, qdrant.NewMatchText(payloadContent, req.Text))
	if err != nil {
		return nil, err
	}

	scan := uint32(req.K * keywordScanFactor) //nolint:gosec // K is validated and bounded
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: req.Index,
		Filter:         filter,
		Limit:          &scan,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyGRPC("keyword scroll", err)
	}

	terms := Terms(req.Text)
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		h := hitFromPayload(p.GetPayload())
		h.Score = OverlapScore(terms, h.Text)
		h.Mode = ModeKeyword
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > req.K {
		hits = hits[:req.K]
	}
	return hits, nil
}

// Close closes the underlying Qdrant gRPC connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}

// hitFromPayload maps the stored payload onto a Hit.
func hitFromPayload(p map[string]*qdrant.Value) Hit {
	var h Hit
	if v, ok := p[payloadContent]; ok {
		h.Text = v.GetStringValue()
	}
	if v, ok := p[payloadSource]; ok {
		h.SourceID = v.GetStringValue()
	}
	if v, ok := p[payloadPage]; ok {
		page := int(v.GetIntegerValue())
		if s := v.GetStringValue(); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				page = n
			}
		}
		h.Page = &page
	}
	return h
}

// qdrantFilter converts scalar equality filters into a Qdrant must-filter.
// extra, if non-nil, is appended as an additional must condition.
func qdrantFilter(filters map[string]any, extra *qdrant.Condition) (*qdrant.Filter, error) {
	if len(filters) == 0 && extra == nil {
		return nil, nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]*qdrant.Condition, 0, len(keys)+1)
	for _, k := range keys {
		switch v := filters[k].(type) {
		case string:
			must = append(must, qdrant.NewMatch(k, v))
		case bool:
			must = append(must, qdrant.NewMatchBool(k, v))
		case int:
			must = append(must, qdrant.NewMatchInt(k, int64(v)))
		case int64:
			must = append(must, qdrant.NewMatchInt(k, v))
		case float64:
			if v == float64(int64(v)) {
				must = append(must, qdrant.NewMatchInt(k, int64(v)))
				continue
			}
			must = append(must, qdrant.NewRange(k, &qdrant.Range{Gte: &v, Lte: &v}))
		default:
			return nil, fmt.Errorf("qdrant: %w: unsupported filter value type %T for %q", ErrBackendError, v, k)
		}
	}
	if extra != nil {
		must = append(must, extra)
	}
	return &qdrant.Filter{Must: must}, nil
}

// classifyGRPC wraps a Qdrant gRPC error in the matching backend failure class.
func classifyGRPC(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("qdrant: %s: %w: %w", op, ErrBackendUnavailable, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unknown:
		return fmt.Errorf("qdrant: %s: %w: %w", op, ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("qdrant: %s: %w: %w", op, ErrBackendError, err)
	}
}

// CheckCollection verifies that collection exists and stores vectors of size
// dims. Collections with named vectors are accepted without a size check.
func (b *QdrantBackend) CheckCollection(ctx context.Context, collection string, dims uint64) error {
	info, err := b.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return classifyGRPC("collection info", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil || dims == 0 {
		return nil
	}
	if got := params.GetSize(); got != dims {
		return fmt.Errorf("qdrant: collection %q stores %d-dimensional vectors but the embedder produces %d: %w",
			collection, got, dims, ErrBackendError)
	}
	return nil
}
