package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// Snapshot is the retrieval-relevant configuration a call runs under. It is
// a value type with no reference fields: a call copies the active snapshot
// once at start and never observes a later reload. Snapshots are built whole
// by [LoadSnapshot] and are never edited in place.
type Snapshot struct {
	Chunking  Chunking  `yaml:"chunking" json:"chunking"`
	Retrieval Retrieval `yaml:"retrieval" json:"retrieval"`
	Cache     Cache     `yaml:"cache" json:"cache"`
	Rerank    Rerank    `yaml:"rerank" json:"rerank"`
	Dispatch  Dispatch  `yaml:"dispatch" json:"dispatch"`

	// Version increases by one on every successful reload.
	Version uint64 `yaml:"-" json:"version"`
	// Source is the file the snapshot was read from, if any.
	Source string `yaml:"-" json:"source,omitempty"`
	// LoadedAt is when the snapshot was built.
	LoadedAt time.Time `yaml:"-" json:"loaded_at"`
}

// Chunking describes how the corpus was chunked and how large an assembled
// context block may be.
type Chunking struct {
	// Strategy is the ingestion chunking strategy: fixed, sentence, paragraph.
	Strategy string `yaml:"strategy" json:"strategy"`
	// MaxTokens bounds every assembled context block.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
	// Overlap is the ingestion chunk overlap in tokens.
	Overlap int `yaml:"overlap" json:"overlap"`
	// Tokenizer selects token estimation: chars or tiktoken.
	Tokenizer string `yaml:"tokenizer" json:"tokenizer"`
}

// Retrieval configures the search backend call.
type Retrieval struct {
	// Provider is the search backend: qdrant or memory.
	Provider string `yaml:"provider" json:"provider"`
	// Index is the collection searched.
	Index string `yaml:"index" json:"index"`
	// K is the default number of chunks returned.
	K int `yaml:"k" json:"k"`
	// Hybrid merges semantic and keyword candidates.
	Hybrid bool `yaml:"hybrid" json:"hybrid"`
	// Fusion is the hybrid merge strategy: max or rrf.
	Fusion string `yaml:"fusion" json:"fusion"`
	// MaxAttempts is the total number of search attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BackoffBase is the delay before the first retry; it doubles per retry.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	// BackoffMax caps a single retry delay.
	BackoffMax time.Duration `yaml:"backoff_max" json:"backoff_max"`
	// Jitter adds up to ± this much randomness to each delay.
	Jitter time.Duration `yaml:"jitter" json:"jitter"`
	// SearchTimeout bounds each search attempt.
	SearchTimeout time.Duration `yaml:"search_timeout" json:"search_timeout"`
}

// Cache configures the retrieval cache.
type Cache struct {
	// Enabled turns result reuse and request sharing on.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// TTLSeconds is how long a result stays valid.
	TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds"`
	// MaxEntries bounds the in-process tier. Read once at startup.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// Rerank configures the optional reranking pass.
type Rerank struct {
	// Enabled turns reranking on.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Multiplier widens the candidate pool to k × Multiplier.
	Multiplier int `yaml:"multiplier" json:"multiplier"`
	// Method selects the reranker: lexical or embedding.
	Method string `yaml:"method" json:"method"`
	// Timeout bounds the reranking pass.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Dispatch configures the tool call layer.
type Dispatch struct {
	// CallTimeout bounds one tool call end to end.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
	// MaxConcurrent bounds concurrently executing calls. Read once at startup.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// Fusion modes.
const (
	FusionMax = "max"
	FusionRRF = "rrf"
)

// Allowed enumerated values.
var (
	ChunkingStrategies = []string{"fixed", "sentence", "paragraph"}
	Tokenizers         = []string{"chars", "tiktoken"}
	Providers          = []string{"qdrant", "memory"}
	FusionModes        = []string{FusionMax, FusionRRF}
	RerankMethods      = []string{"lexical", "embedding"}
)

// minContextTokens is the smallest context budget accepted.
const minContextTokens = 16

// Defaults returns the snapshot used when nothing is configured.
func Defaults() Snapshot {
	return Snapshot{
		Chunking: Chunking{
			Strategy:  "paragraph",
			MaxTokens: 1500,
			Overlap:   64,
			Tokenizer: "chars",
		},
		Retrieval: Retrieval{
			Provider:      "qdrant",
			Index:         "ragkit-docs",
			K:             5,
			Fusion:        "max",
			MaxAttempts:   3,
			BackoffBase:   100 * time.Millisecond,
			BackoffMax:    2 * time.Second,
			Jitter:        50 * time.Millisecond,
			SearchTimeout: 5 * time.Second,
		},
		Cache: Cache{
			Enabled:    true,
			TTLSeconds: 300,
			MaxEntries: 1024,
		},
		Rerank: Rerank{
			Multiplier: 2,
			Method:     "lexical",
			Timeout:    2 * time.Second,
		},
		Dispatch: Dispatch{
			CallTimeout:   30 * time.Second,
			MaxConcurrent: 32,
		},
	}
}

// Validate reports every invalid field, joined.
func (s Snapshot) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(ChunkingStrategies, s.Chunking.Strategy), "chunking.strategy %q must be one of %v", s.Chunking.Strategy, ChunkingStrategies)
	check(s.Chunking.MaxTokens >= minContextTokens, "chunking.max_tokens must be >= %d, got %d", minContextTokens, s.Chunking.MaxTokens)
	check(s.Chunking.Overlap >= 0 && s.Chunking.Overlap < s.Chunking.MaxTokens, "chunking.overlap must be in [0, max_tokens), got %d", s.Chunking.Overlap)
	check(slices.Contains(Tokenizers, s.Chunking.Tokenizer), "chunking.tokenizer %q must be one of %v", s.Chunking.Tokenizer, Tokenizers)

	check(slices.Contains(Providers, s.Retrieval.Provider), "retrieval.provider %q must be one of %v", s.Retrieval.Provider, Providers)
	check(s.Retrieval.Index != "", "retrieval.index is required")
	check(s.Retrieval.K >= 1, "retrieval.k must be >= 1, got %d", s.Retrieval.K)
	check(slices.Contains(FusionModes, s.Retrieval.Fusion), "retrieval.fusion %q must be one of %v", s.Retrieval.Fusion, FusionModes)
	check(s.Retrieval.MaxAttempts >= 1 && s.Retrieval.MaxAttempts <= 10, "retrieval.max_attempts must be in [1, 10], got %d", s.Retrieval.MaxAttempts)
	check(s.Retrieval.BackoffBase > 0, "retrieval.backoff_base must be positive")
	check(s.Retrieval.BackoffMax >= s.Retrieval.BackoffBase, "retrieval.backoff_max must be >= backoff_base")
	check(s.Retrieval.Jitter >= 0, "retrieval.jitter must not be negative")
	check(s.Retrieval.SearchTimeout > 0, "retrieval.search_timeout must be positive")

	check(!s.Cache.Enabled || s.Cache.TTLSeconds > 0, "cache.ttl_seconds must be positive when the cache is enabled")
	check(s.Cache.MaxEntries > 0, "cache.max_entries must be positive")

	check(s.Rerank.Multiplier >= 1, "rerank.multiplier must be >= 1, got %d", s.Rerank.Multiplier)
	check(slices.Contains(RerankMethods, s.Rerank.Method), "rerank.method %q must be one of %v", s.Rerank.Method, RerankMethods)
	check(s.Rerank.Timeout > 0, "rerank.timeout must be positive")

	check(s.Dispatch.CallTimeout > 0, "dispatch.call_timeout must be positive")
	check(s.Dispatch.MaxConcurrent >= 1, "dispatch.max_concurrent must be >= 1")

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid snapshot: %w", errors.Join(errs...))
	}
	return nil
}

// Scope returns the slice of the snapshot that feeds the query fingerprint.
func (s Snapshot) Scope() rag.Scope {
	return rag.Scope{
		Provider:     s.Retrieval.Provider,
		Index:        s.Retrieval.Index,
		Hybrid:       s.Retrieval.Hybrid,
		Fusion:       s.Retrieval.Fusion,
		Rerank:       s.Rerank.Enabled,
		RerankMethod: s.Rerank.Method,
	}
}

// CacheTTL returns the cache TTL as a duration.
func (s Snapshot) CacheTTL() time.Duration {
	return time.Duration(s.Cache.TTLSeconds) * time.Second
}

// RetrievalBudget is the longest a single retrieval can legitimately take:
// every search attempt at its timeout, every backoff at its cap plus jitter,
// and the rerank pass. It bounds a detached cache flight.
func (s Snapshot) RetrievalBudget() time.Duration {
	r := s.Retrieval
	attempts := time.Duration(r.MaxAttempts)
	budget := attempts*r.SearchTimeout + (attempts-1)*(r.BackoffMax+r.Jitter)
	if s.Rerank.Enabled {
		budget += s.Rerank.Timeout
	}
	return budget
}

// snapshotOverrides maps RAGKIT_* env vars onto snapshot fields. They are
// applied after the YAML file, so env wins as for process settings.
var snapshotOverrides = []struct {
	envKey string
	apply  func(*Snapshot, string) error
}{
	{"RAGKIT_CHUNKING_STRATEGY", func(s *Snapshot, v string) error { s.Chunking.Strategy = v; return nil }},
	{"RAGKIT_CHUNKING_MAX_TOKENS", func(s *Snapshot, v string) error { return setInt(&s.Chunking.MaxTokens, v) }},
	{"RAGKIT_TOKENIZER", func(s *Snapshot, v string) error { s.Chunking.Tokenizer = v; return nil }},
	{"RAGKIT_RETRIEVAL_PROVIDER", func(s *Snapshot, v string) error { s.Retrieval.Provider = v; return nil }},
	{"RAGKIT_RETRIEVAL_INDEX", func(s *Snapshot, v string) error { s.Retrieval.Index = v; return nil }},
	{"RAGKIT_RETRIEVAL_K", func(s *Snapshot, v string) error { return setInt(&s.Retrieval.K, v) }},
	{"RAGKIT_RETRIEVAL_HYBRID", func(s *Snapshot, v string) error { return setBool(&s.Retrieval.Hybrid, v) }},
	{"RAGKIT_RETRIEVAL_FUSION", func(s *Snapshot, v string) error { s.Retrieval.Fusion = v; return nil }},
	{"RAGKIT_RETRIEVAL_MAX_ATTEMPTS", func(s *Snapshot, v string) error { return setInt(&s.Retrieval.MaxAttempts, v) }},
	{"RAGKIT_SEARCH_TIMEOUT", func(s *Snapshot, v string) error { return setDuration(&s.Retrieval.SearchTimeout, v) }},
	{"RAGKIT_CACHE_ENABLED", func(s *Snapshot, v string) error { return setBool(&s.Cache.Enabled, v) }},
	{"RAGKIT_CACHE_TTL_SECONDS", func(s *Snapshot, v string) error { return setInt(&s.Cache.TTLSeconds, v) }},
	{"RAGKIT_RERANK_ENABLED", func(s *Snapshot, v string) error { return setBool(&s.Rerank.Enabled, v) }},
	{"RAGKIT_RERANK_METHOD", func(s *Snapshot, v string) error { s.Rerank.Method = v; return nil }},
	{"RAGKIT_CALL_TIMEOUT", func(s *Snapshot, v string) error { return setDuration(&s.Dispatch.CallTimeout, v) }},
}

// LoadSnapshot builds a validated snapshot from defaults, the YAML file at
// path (if non-empty) and RAGKIT_* env overrides, in that order.
func LoadSnapshot(path string) (Snapshot, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
		if err != nil {
			return Snapshot{}, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Snapshot{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
		s.Source = path
	}

	for _, o := range snapshotOverrides {
		v := os.Getenv(o.envKey)
		if v == "" {
			continue
		}
		if err := o.apply(&s, v); err != nil {
			return Snapshot{}, fmt.Errorf("config: %s: %w", o.envKey, err)
		}
	}

	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	s.LoadedAt = time.Now()
	return s, nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("want integer, got %q", v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("want boolean, got %q", v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("want duration, got %q", v)
	}
	*dst = d
	return nil
}
