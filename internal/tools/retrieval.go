package tools

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/54b3r/ragkit-go/internal/assembler"
	"github.com/54b3r/ragkit-go/internal/budget"
	"github.com/54b3r/ragkit-go/internal/cache"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/retrieval"
	"github.com/54b3r/ragkit-go/internal/toolerr"
	"github.com/54b3r/ragkit-go/internal/validate"
)

// Output status values.
const (
	StatusOK        = "ok"
	StatusNoContext = "no_context"
)

// Retriever is the cached retrieval path shared by the retrieval-class
// tools: fingerprint, cache lookup, and the orchestrator on a miss.
type Retriever struct {
	cache *cache.Cache
	orch  *retrieval.Orchestrator
}

// NewRetriever returns a Retriever over c and orch.
func NewRetriever(c *cache.Cache, orch *retrieval.Orchestrator) *Retriever {
	return &Retriever{cache: c, orch: orch}
}

// Retrieve returns the result for q under snap, from cache when possible.
func (r *Retriever) Retrieve(ctx context.Context, q rag.Query, snap config.Snapshot) (*rag.RetrievalResult, error) {
	key := rag.Fingerprint(q, snap.Scope())
	policy := cache.Policy{
		Enabled:       snap.Cache.Enabled,
		TTL:           snap.CacheTTL(),
		FlightTimeout: snap.RetrievalBudget(),
	}
	return r.cache.GetOrCompute(ctx, key, policy, func(ctx context.Context) (*rag.RetrievalResult, error) {
		return r.orch.Retrieve(ctx, q, snap)
	})
}

// Estimators hands out token estimators by tokenizer name, building each
// one once.
type Estimators struct {
	mu     sync.Mutex
	byName map[string]budget.Estimator
}

// For returns the estimator for name. A tokenizer that cannot be loaded
// falls back to the character heuristic.
func (e *Estimators) For(ctx context.Context, name string) budget.Estimator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if est, ok := e.byName[name]; ok {
		return est
	}
	est, err := budget.NewEstimator(name)
	if err != nil {
		logging.FromContext(ctx).Warn("tools: tokenizer unavailable, using character estimate",
			slog.String("tokenizer", name),
			slog.Any("error", err),
		)
		est = budget.Chars{}
	}
	if e.byName == nil {
		e.byName = make(map[string]budget.Estimator)
	}
	e.byName[name] = est
	return est
}

// maxTokensParam is shared by the retrieval-class tools.
var maxTokensParam = validate.Param{
	Name:        "max_tokens",
	Type:        validate.Integer,
	Description: "Token budget for the assembled context. Defaults to chunking.max_tokens.",
	Min:         validate.Bound(16),
	Max:         validate.Bound(32000),
}

// SearchContext returns the search_context tool.
func SearchContext(r *Retriever, est *Estimators) Spec {
	return Spec{
		Name: "search_context",
		Description: "Searches the knowledge base and returns a token-bounded context block. " +
			"Each passage is tagged with a marker like [1]; cite sources using the citations map.",
		Class: ClassRetrieval,
		Input: validate.Schema{Params: []validate.Param{
			{
				Name:        "query",
				Type:        validate.String,
				Required:    true,
				Description: "Natural-language question or keywords to search for.",
				MinLen:      1,
				MaxLen:      2000,
			},
			{
				Name:        "k",
				Type:        validate.Integer,
				Description: "Number of chunks to retrieve. Defaults to retrieval.k.",
				Min:         validate.Bound(1),
				Max:         validate.Bound(50),
			},
			maxTokensParam,
			{
				Name:        "filters",
				Type:        validate.Object,
				Description: `Exact-match filters on chunk metadata, e.g. {"source": "handbook.md"}.`,
			},
		}},
		Output: contextOutputSchema,
		Handler: HandlerFunc(func(ctx context.Context, call Call) (any, error) {
			snap := call.Snapshot
			q := rag.Query{
				Text:    validate.Str(call.Args, "query", ""),
				K:       validate.Int(call.Args, "k", snap.Retrieval.K),
				Filters: validate.Map(call.Args, "filters"),
			}
			return buildContext(ctx, r, est, q, validate.Int(call.Args, "max_tokens", snap.Chunking.MaxTokens), snap)
		}),
	}
}

// SummarizeDocument returns the summarize_document tool. It retrieves the
// passages of one source so the calling agent can summarise them.
func SummarizeDocument(r *Retriever, est *Estimators) Spec {
	return Spec{
		Name: "summarize_document",
		Description: "Returns the most relevant passages of a single source document as a cited context " +
			"block, ready to be summarised. Use focus to steer which passages are chosen.",
		Class: ClassRetrieval,
		Input: validate.Schema{Params: []validate.Param{
			{
				Name:        "source",
				Type:        validate.String,
				Required:    true,
				Description: "Source document identifier, as returned in citations.",
				MinLen:      1,
				MaxLen:      512,
			},
			{
				Name:        "focus",
				Type:        validate.String,
				Description: "Optional topic to focus the summary on.",
				MaxLen:      500,
			},
			{
				Name:        "k",
				Type:        validate.Integer,
				Description: "Number of passages to include. Defaults to twice retrieval.k.",
				Min:         validate.Bound(1),
				Max:         validate.Bound(100),
			},
			maxTokensParam,
		}},
		Output: contextOutputSchema,
		Handler: HandlerFunc(func(ctx context.Context, call Call) (any, error) {
			snap := call.Snapshot
			source := validate.Str(call.Args, "source", "")
			q := rag.Query{
				Text:    validate.Str(call.Args, "focus", source),
				K:       validate.Int(call.Args, "k", 2*snap.Retrieval.K),
				Filters: map[string]any{"source": source},
			}
			out, err := buildContext(ctx, r, est, q, validate.Int(call.Args, "max_tokens", snap.Chunking.MaxTokens), snap)
			if err != nil {
				return nil, err
			}
			out.Source = source
			return out, nil
		}),
	}
}

// buildContext runs retrieval and assembly for the retrieval-class tools.
func buildContext(ctx context.Context, r *Retriever, est *Estimators, q rag.Query, maxTokens int, snap config.Snapshot) (*ContextOutput, error) {
	res, err := r.Retrieve(ctx, q, snap)
	if err != nil {
		return nil, err
	}

	block, err := assembler.New(est.For(ctx, snap.Chunking.Tokenizer)).Assemble(res.Chunks, maxTokens)
	switch {
	case errors.Is(err, assembler.ErrNoContext):
		return nil, toolerr.New(toolerr.KindNoContext, "retrieval returned no usable context", err)
	case errors.Is(err, assembler.ErrBudgetTooSmall):
		return nil, toolerr.Validation("max_tokens", "is too small to hold any context")
	case err != nil:
		return nil, err
	}

	refs := make([]ChunkRef, len(res.Chunks))
	for i, c := range res.Chunks {
		refs[i] = ChunkRef{SourceID: c.SourceID, Page: c.Page, Score: c.Score, Hash: c.Hash}
	}
	return &ContextOutput{
		Status:      StatusOK,
		Context:     block.Text,
		Citations:   block.CitationMap,
		TokenCount:  block.TokenCount,
		Fingerprint: res.QueryFingerprint,
		Chunks:      refs,
	}, nil
}
