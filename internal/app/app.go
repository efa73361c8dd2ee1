// Package app wires every memoryd subsystem into a running application.
//
// App owns the full lifecycle: New opens the stores, instantiates the
// configured providers, and builds the query engines; Run blocks until the
// context is cancelled; Shutdown tears everything down in order. The shape
// (functional options for test injection, ordered init steps each wrapped
// with their own error context, a closers slice drained by a stopOnce-
// guarded Shutdown) keeps every subsystem's lifetime explicit and testable.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/bm25index"
	"github.com/agentctx/memoryd/internal/config"
	"github.com/agentctx/memoryd/internal/diagnostics"
	"github.com/agentctx/memoryd/internal/eventstore"
	"github.com/agentctx/memoryd/internal/evolution"
	"github.com/agentctx/memoryd/internal/extractor"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/health"
	"github.com/agentctx/memoryd/internal/hybridsearch"
	"github.com/agentctx/memoryd/internal/inferencer"
	"github.com/agentctx/memoryd/internal/lineage"
	"github.com/agentctx/memoryd/internal/mcp/tools"
	"github.com/agentctx/memoryd/internal/mcp/tools/diagnosticstool"
	"github.com/agentctx/memoryd/internal/mcp/tools/memorytool"
	"github.com/agentctx/memoryd/internal/mcp/tools/pingtool"
	"github.com/agentctx/memoryd/internal/mcp/tools/searchtool"
	"github.com/agentctx/memoryd/internal/observe"
	"github.com/agentctx/memoryd/internal/reconcile"
	"github.com/agentctx/memoryd/internal/sessionmgr"
	"github.com/agentctx/memoryd/internal/temporal"
	"github.com/agentctx/memoryd/internal/vectorindex"
	"github.com/agentctx/memoryd/pkg/provider/embeddings"
	"github.com/agentctx/memoryd/pkg/provider/llm"
)

// App owns every subsystem's lifetime and assembles the MCP tool surface.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	llmProvider        llm.Provider
	embeddingsProvider embeddings.Provider

	events      *eventstore.Store
	diagnostics *diagnostics.Store
	sessions    *sessionmgr.Manager
	memories    *memoryRegistry

	graphPool  *pgxpool.Pool
	vectorPool *pgxpool.Pool

	graph     *graph.Store
	vectors   *vectorindex.Index
	temporal  *temporal.Store
	keywords  *bm25index.Index
	entities  *extractor.Extractor
	relations *inferencer.Inferencer

	lineageEngine   *lineage.Engine
	evolutionEngine *evolution.Engine
	hybridSearch    *hybridsearch.Engine

	reconciler *reconcile.Reconciler
	watcher    *config.Watcher
	metrics    *observe.Metrics

	// Tools is the fully assembled MCP dispatch table, ready for
	// registration onto an mcp.Server.
	Tools []tools.Tool

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New, used by tests to inject doubles for
// subsystems that would otherwise require a live PostgreSQL/SQLite backend.
type Option func(*App)

// WithEventStore injects an Event Store instead of opening cfg.Storage.DBPath.
func WithEventStore(s *eventstore.Store) Option {
	return func(a *App) { a.events = s }
}

// WithDiagnosticsStore injects a Diagnostics Store instead of opening
// cfg.Storage.DiagnosticsDBPath.
func WithDiagnosticsStore(s *diagnostics.Store) Option {
	return func(a *App) { a.diagnostics = s }
}

// WithGraphPool injects a pgx pool for the Graph Manager / Temporal Store /
// Lineage Engine / Evolution Engine instead of dialing
// cfg.Storage.GraphEndpoint.
func WithGraphPool(pool *pgxpool.Pool) Option {
	return func(a *App) { a.graphPool = pool }
}

// WithVectorPool injects a pgx pool for the Vector Index instead of dialing
// cfg.Storage.VectorEndpoint (or reusing the graph pool).
func WithVectorPool(pool *pgxpool.Pool) Option {
	return func(a *App) { a.vectorPool = pool }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New wires every subsystem from cfg. configPath is the file New's caller
// loaded cfg from, used to drive the hot-reload config.Watcher; pass "" to
// disable hot reload (tests constructing cfg in memory have no file to
// watch). Use Option functions to inject test doubles for any store.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, configPath string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, configPath: configPath}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.metrics = observe.DefaultMetrics()

	var err error
	if a.llmProvider, err = a.buildLLMProvider(reg); err != nil {
		return nil, fmt.Errorf("app: build llm provider: %w", err)
	}
	if a.embeddingsProvider, err = a.buildEmbeddingsProvider(reg); err != nil {
		return nil, fmt.Errorf("app: build embeddings provider: %w", err)
	}

	if err := a.initEventStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init event store: %w", err)
	}
	if err := a.initDiagnosticsStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init diagnostics store: %w", err)
	}
	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	if err := a.initGraphStack(ctx); err != nil {
		return nil, fmt.Errorf("app: init graph stack: %w", err)
	}
	if err := a.initKeywordIndex(); err != nil {
		return nil, fmt.Errorf("app: init keyword index: %w", err)
	}
	a.initExtraction()
	a.initHybridSearch()

	a.memories = newMemoryRegistry(a.events, newVectorIndexer(a.vectors))

	a.reconciler = reconcile.New(a.events, a.diagnostics, a.vectors, a.graph, a.logger)

	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	a.Tools = a.buildTools()
	return a, nil
}

// initEventStore opens the SQLite Event Store backing sessions and memories.
func (a *App) initEventStore(ctx context.Context) error {
	if a.events != nil {
		return nil
	}
	store, err := eventstore.Open(ctx, a.cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	a.events = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initDiagnosticsStore opens the SQLite Diagnostics Store.
func (a *App) initDiagnosticsStore(ctx context.Context) error {
	if a.diagnostics != nil {
		return nil
	}
	store, err := diagnostics.Open(ctx, a.cfg.Storage.DiagnosticsDBPath)
	if err != nil {
		return err
	}
	a.diagnostics = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initSessions rebuilds the session registry from the Event Store.
func (a *App) initSessions(ctx context.Context) error {
	mgr, err := sessionmgr.New(ctx, a.events, a.logger)
	if err != nil {
		return err
	}
	a.sessions = mgr
	return nil
}

// initGraphStack dials the PostgreSQL-backed Graph Manager, Temporal Store,
// Vector Index, Lineage Engine, and Evolution Engine. All five share the
// graph pool unless cfg.Storage.VectorEndpoint names a separate database for
// the Vector Index, matching "vectorEndpoint overrides
// graphEndpoint" option.
func (a *App) initGraphStack(ctx context.Context) error {
	if !a.cfg.Storage.EnableVectorSearch && a.graphPool == nil && a.cfg.Storage.GraphEndpoint == "" {
		a.logger.Warn("graph/vector stack disabled: no graph_endpoint configured")
		return nil
	}

	if a.graphPool == nil {
		pool, err := pgxpool.New(ctx, a.cfg.Storage.GraphEndpoint)
		if err != nil {
			return fmt.Errorf("dial graph endpoint: %w", err)
		}
		a.graphPool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	}
	if err := graph.Migrate(ctx, a.graphPool); err != nil {
		return err
	}
	a.graph = graph.New(a.graphPool,
		graph.WithBatchSize(a.cfg.Storage.DefaultBatchSize),
		graph.WithAutoMerge(a.cfg.Storage.EnableAutoMerge),
	)
	a.temporal = temporal.New(a.graphPool, a.cfg.Storage.VersioningEnabled)
	a.lineageEngine = lineage.New(a.graphPool)
	a.evolutionEngine = evolution.New(a.graphPool, a.temporal, a.graph,
		a.cfg.Graph.MaxTimelineDepth, a.cfg.Graph.CorrelationWindow)

	if a.cfg.Storage.EnableVectorSearch {
		if a.vectorPool == nil {
			dsn := a.cfg.Storage.VectorEndpoint
			if dsn == "" {
				a.vectorPool = a.graphPool
			} else {
				pool, err := pgxpool.New(ctx, dsn)
				if err != nil {
					return fmt.Errorf("dial vector endpoint: %w", err)
				}
				a.vectorPool = pool
				a.closers = append(a.closers, func() error { pool.Close(); return nil })
			}
		}
		if err := vectorindex.Migrate(ctx, a.vectorPool, a.cfg.Storage.VectorDimensions); err != nil {
			return err
		}
		a.vectors = vectorindex.New(a.vectorPool)
	}

	return nil
}

// initKeywordIndex opens the bleve-backed BM25 index alongside the Event
// Store's SQLite file, since both are local on-disk state with the same
// lifetime as the process's data directory.
func (a *App) initKeywordIndex() error {
	path := a.cfg.Storage.DBPath + ".bm25"
	idx, err := bm25index.New(path, a.cfg.BM25.K1, a.cfg.BM25.B)
	if err != nil {
		return err
	}
	a.keywords = idx
	a.closers = append(a.closers, idx.Close)
	return nil
}

// initExtraction builds the Entity Extractor and Relationship Inferencer,
// both stateless beyond their confidence floor.
func (a *App) initExtraction() {
	a.entities = extractor.New(a.cfg.Extraction.MinConfidence)
	a.relations = inferencer.New(a.cfg.Extraction.MaxRelationshipsPerPair, a.cfg.Extraction.MinConfidence)
}

// initHybridSearch builds the fusion engine over whichever of the three
// signal sources are actually available; a nil vectors/keywords/graph
// dependency degrades that mode to whatever sources remain.
func (a *App) initHybridSearch() {
	weights := hybridsearch.Weights{
		Semantic: a.cfg.HybridSearch.Semantic,
		Keyword:  a.cfg.HybridSearch.Keyword,
		Graph:    a.cfg.HybridSearch.Graph,
	}
	var embedder hybridsearch.Embedder
	if a.embeddingsProvider != nil {
		embedder = a.embeddingsProvider
	}
	a.hybridSearch = hybridsearch.New(a.vectors, a.keywords, a.graph, a.lineageEngine,
		a.entities, embedder, weights, a.cfg.HybridSearch.MaxGraphHops)
}

// initWatcher wires a config.Watcher that applies hybrid search weight
// changes live, without a restart; the log level is not reloaded and takes
// effect only on restart. minConfidence and retentionDays changes are logged but
// not applied live, since the Extractor/Inferencer/Temporal Store don't
// expose a thread-safe way to swap those values yet (see DESIGN.md).
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, func(_, newCfg *config.Config, diff config.ConfigDiff) {
		if diff.HybridWeightsChanged {
			a.hybridSearch.SetDefaultWeights(hybridsearch.Weights{
				Semantic: newCfg.HybridSearch.Semantic,
				Keyword:  newCfg.HybridSearch.Keyword,
				Graph:    newCfg.HybridSearch.Graph,
			})
			a.logger.Info("hybrid search weights reloaded", "weights", newCfg.HybridSearch)
		}
		if diff.MinConfidenceChanged {
			a.logger.Warn("minConfidence changed on disk but requires a restart to take effect", "value", diff.NewMinConfidence)
		}
		if diff.RetentionDaysChanged {
			a.logger.Warn("retentionDays changed on disk but requires a restart to take effect", "value", diff.NewRetentionDays)
		}
		if diff.RestartRequired {
			a.logger.Warn("configuration change requires a process restart to take effect")
		}
	})
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	return nil
}

// buildTools assembles the full MCP dispatch table from every tool package's
// NewTools constructor, the same aggregation memorytool/searchtool/
// diagnosticstool each already perform internally for their own slice.
func (a *App) buildTools() []tools.Tool {
	var all []tools.Tool
	all = append(all, memorytool.NewTools(memorytool.Deps{
		Sessions:        a.sessions,
		Memories:        a.memories,
		Events:          a.events,
		Embedder:        a.embeddingsProvider,
		Keywords:        a.keywords,
		EntityExtractor: a.entities,
		Relationships:   a.relations,
		Graph:           a.graph,
		Logger:          a.logger,
	})...)
	all = append(all, searchtool.NewTools(searchtool.Deps{
		HybridSearch: a.hybridSearch,
		Lineage:      a.lineageEngine,
		Evolution:    a.evolutionEngine,
	})...)
	all = append(all, diagnosticstool.NewTools(diagnosticstool.Deps{
		Store:  a.diagnostics,
		Graph:  a.graph,
		Logger: a.logger,
	})...)
	all = append(all, pingtool.NewTools()...)
	return all
}

// Logger returns the application's logger, for cmd/memoryd's own log lines.
func (a *App) Logger() *slog.Logger { return a.logger }

// Metrics returns the OpenTelemetry metrics recorder used to instrument
// tool dispatch in cmd/memoryd's MCP server wiring.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// HealthCheckers returns the readiness probes cmd/memoryd registers on its
// /readyz endpoint: the Event Store and Diagnostics Store are always
// checked; the graph pool is only checked when the graph/vector stack was
// actually dialed (cfg.Storage.GraphEndpoint configured).
func (a *App) HealthCheckers() []health.Checker {
	checkers := []health.Checker{
		{Name: "events", Check: a.events.Ping},
		{Name: "diagnostics", Check: a.diagnostics.Ping},
	}
	if a.graphPool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "graph",
			Check: func(ctx context.Context) error { return a.graphPool.Ping(ctx) },
		})
	}
	return checkers
}

// Reconciler exposes the reconciliation pass for an operator-triggered
// resync (cmd/memoryd could wire this to a signal or a maintenance tool;
// describes it as a pass run "periodically or on demand").
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

// Run blocks until ctx is cancelled. memoryd's work happens synchronously
// inside tool handler calls dispatched by the MCP server (wired in
// cmd/memoryd), so Run has nothing to poll beyond the context itself.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("memoryd running", "tools", len(a.Tools))
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down every opened store in reverse-init order. It respects
// ctx's deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
