package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/54b3r/ragkit-go/internal/analysis"
	"github.com/54b3r/ragkit-go/internal/cache"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/dispatch"
	"github.com/54b3r/ragkit-go/internal/embedder"
	"github.com/54b3r/ragkit-go/internal/provider"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/retrieval"
	"github.com/54b3r/ragkit-go/internal/store"
	"github.com/54b3r/ragkit-go/internal/tools"
)

// historyDisabled turns the call journal off when used as RAGKIT_HISTORY_DB.
const historyDisabled = "disabled"

// runtime is the assembled tool stack shared by every command that calls
// tools: snapshot holder, search backend, cache, orchestrator, registry and
// dispatcher.
type runtime struct {
	log        *slog.Logger
	settings   config.Settings
	holder     *config.Holder
	metrics    *prometheus.Registry
	cache      *cache.Cache
	redis      *cache.RedisTier
	qdrant     *rag.QdrantBackend
	journal    *store.SQLiteStore
	chatModel  model.ToolCallingChatModel
	dispatcher *dispatch.Dispatcher

	closers []func()
}

// runtimeOptions selects the optional parts of the stack.
type runtimeOptions struct {
	// journal opens the SQLite call journal.
	journal bool
	// requireModel fails startup when the chat model cannot be built,
	// instead of omitting the analysis tools.
	requireModel bool
}

// newRuntime builds the tool stack from the loaded config and environment.
// Callers must Close the returned runtime.
func newRuntime(ctx context.Context, log *slog.Logger, opts runtimeOptions) (_ *runtime, err error) {
	snap, err := config.LoadSnapshot(loadedConfigPath)
	if err != nil {
		return nil, err
	}
	snap.Version = 1

	rt := &runtime{
		log:      log,
		settings: config.SettingsFromEnv(),
		holder:   config.NewHolder(snap, loadedConfigPath),
		metrics:  prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	needEmbedder := snap.Retrieval.Provider == "qdrant" ||
		snap.Rerank.Enabled && snap.Rerank.Method == retrieval.MethodEmbedding
	if err := embedder.Validate(log, needEmbedder); err != nil {
		return nil, err
	}
	embSettings := embedder.SettingsFromEnv()
	var emb rag.Embedder
	if needEmbedder || embSettings.Explicit {
		emb, err = embedder.New(embSettings)
		if err != nil {
			return nil, err
		}
		log.Info("embedder initialised",
			slog.String("backend", embSettings.Backend),
			slog.String("model", embSettings.Model),
		)
	}

	backend, err := rt.buildBackend(ctx, snap, emb, uint64(embSettings.Dimensions)) //nolint:gosec // dimensions are positive
	if err != nil {
		return nil, err
	}

	if err := rt.buildCache(snap); err != nil {
		return nil, err
	}

	orchOpts := []retrieval.Option{
		retrieval.WithRegisterer(rt.metrics),
		retrieval.WithBackoffObserver(func(attempt int, delay time.Duration) {
			log.Debug("retrieval: retrying search", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		}),
	}
	if emb != nil {
		orchOpts = append(orchOpts, retrieval.WithReranker(retrieval.MethodEmbedding, retrieval.Embedding{Embedder: emb}))
	}
	orch := retrieval.New(backend, orchOpts...)

	deps := tools.Deps{
		Retriever:  tools.NewRetriever(rt.cache, orch),
		Estimators: &tools.Estimators{},
	}
	if err := rt.buildAnalysis(ctx, &deps, opts.requireModel); err != nil {
		return nil, err
	}

	reg, err := tools.Builtin(deps)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	dopts := []dispatch.Option{dispatch.WithRegisterer(rt.metrics)}
	if opts.journal {
		if j := rt.openJournal(); j != nil {
			dopts = append(dopts, dispatch.WithJournal(j))
		}
	}
	rt.dispatcher = dispatch.New(reg, rt.holder, dopts...)

	log.Info("tool stack ready",
		slog.String("provider", snap.Retrieval.Provider),
		slog.String("index", snap.Retrieval.Index),
		slog.Any("tools", reg.Names()),
	)
	return rt, nil
}

// buildBackend constructs the search backend named by retrieval.provider.
// The provider is fixed for the life of the process; a reload may change
// the index but not the backend.
func (rt *runtime) buildBackend(ctx context.Context, snap config.Snapshot, emb rag.Embedder, dims uint64) (rag.SearchBackend, error) {
	switch snap.Retrieval.Provider {
	case "memory":
		if rt.settings.CorpusPath == "" {
			return nil, fmt.Errorf("retrieval: provider memory requires RAGKIT_CORPUS (corpus.path)")
		}
		corpus, err := rag.LoadCorpus(rt.settings.CorpusPath)
		if err != nil {
			return nil, err
		}
		rt.log.Info("memory backend ready", slog.String("corpus", rt.settings.CorpusPath), slog.Int("indexes", len(corpus)))
		return rag.NewMemoryBackend(corpus, emb), nil

	default:
		q := rt.settings.Qdrant
		b, err := rag.NewQdrantBackend(&rag.QdrantConfig{
			Host:   q.Host,
			Port:   q.Port,
			APIKey: q.APIKey,
			UseTLS: q.TLS,
		}, emb)
		if err != nil {
			return nil, fmt.Errorf("retrieval: failed to connect to Qdrant at %s:%d: %w", q.Host, q.Port, err)
		}
		rt.qdrant = b
		rt.closers = append(rt.closers, func() { _ = b.Close() })

		checkCtx, cancel := context.WithTimeout(ctx, snap.Retrieval.SearchTimeout)
		defer cancel()
		if err := b.CheckCollection(checkCtx, snap.Retrieval.Index, dims); err != nil {
			if errors.Is(err, rag.ErrBackendError) {
				return nil, err
			}
			rt.log.Warn("qdrant collection check failed, continuing", slog.Any("error", err))
		}
		rt.log.Info("qdrant backend ready", slog.String("host", q.Host), slog.Int("port", q.Port))
		return b, nil
	}
}

// buildCache creates the in-process cache and, when REDIS_ADDR is set, the
// shared Redis tier behind it.
func (rt *runtime) buildCache(snap config.Snapshot) error {
	opts := []cache.Option{cache.WithRegisterer(rt.metrics)}
	if len(rt.settings.RedisAddrs) > 0 {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addrs:    rt.settings.RedisAddrs,
			Username: rt.settings.RedisUsername,
			Password: rt.settings.RedisPassword,
			DB:       rt.settings.RedisDB,
		})
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)
		rt.redis = cache.NewRedisTier(client, cache.DefaultKeyPrefix)
		opts = append(opts, cache.WithSharedTier(rt.redis))
		rt.log.Info("shared cache tier enabled", slog.Any("addrs", rt.settings.RedisAddrs))
	}

	c, err := cache.New(snap.Cache.MaxEntries, opts...)
	if err != nil {
		return err
	}
	rt.cache = c
	return nil
}

// buildAnalysis adds the chat-model backed analysis capability to deps.
func (rt *runtime) buildAnalysis(ctx context.Context, deps *tools.Deps, required bool) error {
	pcfg := provider.ConfigFromEnv()
	chatModel, err := provider.New(ctx, pcfg)
	if err != nil {
		if required {
			return fmt.Errorf("failed to initialise model provider: %w", err)
		}
		rt.log.Warn("model provider unavailable, analysis tools disabled", slog.Any("error", err))
		return nil
	}
	rt.chatModel = chatModel

	analyzer, err := analysis.NewChatAnalyzer(chatModel, analysis.Builtin()...)
	if err != nil {
		return err
	}
	deps.Analysis = analyzer
	deps.Analyses = analyzer.Names()
	rt.log.Info("provider initialised",
		slog.String("provider", string(pcfg.Backend)),
		slog.String("model", pcfg.Model()),
	)
	return nil
}

// openJournal opens the call journal. RAGKIT_HISTORY_DB overrides the
// default path (~/.ragkit/history.db); "disabled" turns it off. Failures
// disable the journal rather than the command.
func (rt *runtime) openJournal() *store.SQLiteStore {
	dbPath := rt.settings.HistoryDB
	if dbPath == historyDisabled {
		rt.log.Info("history: disabled via RAGKIT_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		if dbPath, err = store.DefaultDBPath(); err != nil {
			rt.log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	j, err := store.Open(dbPath)
	if err != nil {
		rt.log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	rt.journal = j
	rt.closers = append(rt.closers, func() { _ = j.Close() })
	rt.log.Info("history: store opened", slog.String("path", dbPath))
	return j
}

// Close releases backend connections in reverse order of creation.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
