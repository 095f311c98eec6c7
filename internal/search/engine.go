// Package search is the public facade over the index, the ingestion
// pipeline, the provider fan-out and the performance monitor.
//
// An Engine owns one index directory. Queries are admission controlled,
// bounded by a timeout and served from a result cache while the index is
// unchanged; mutations go through the indexing manager so the index has a
// single writer.
package search

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/indexing"
	"github.com/Aman-CERP/unisearch/internal/perf"
	"github.com/Aman-CERP/unisearch/internal/provider"
	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/store"
	"github.com/Aman-CERP/unisearch/internal/telemetry"
)

const (
	// warmWindow is how much query history is replayed into analytics at open.
	warmWindow = 7 * 24 * time.Hour
	warmLimit  = 10000
	// stopTimeout bounds the final flush on Close.
	stopTimeout = 30 * time.Second
)

// Engine is the search service.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
	limits document.Limits

	lock      *store.DirLock
	index     *store.IndexStore
	meta      *store.MetaStore
	logStore  *telemetry.SQLiteLogStore
	schema    *document.Schema
	compiler  *query.Compiler
	indexer   *indexing.Manager
	providers *provider.Manager
	monitor   *perf.Monitor
	analytics *telemetry.Log
	cache     *ResultCache
	admission *admission

	timeout    time.Duration
	baseTTL    time.Duration
	indexOpts  []store.IndexOption
	noAdapters bool

	syncMu    sync.Mutex
	lastCycle atomic.Pointer[provider.CycleReport]
	degraded  atomic.Bool

	optimizing atomic.Bool
	started    atomic.Bool
	closed     atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine and every component it creates.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIndexOptions passes extra options to the index store.
func WithIndexOptions(opts ...store.IndexOption) Option {
	return func(e *Engine) { e.indexOpts = append(e.indexOpts, opts...) }
}

// WithoutConfiguredAdapters skips registering the adapters listed in the
// config; RegisterAdapter still works.
func WithoutConfiguredAdapters() Option {
	return func(e *Engine) { e.noAdapters = true }
}

// New opens the index directory named by cfg.Index.Path and builds every
// component. An empty path gives a memory-only engine.
//
// Startup failures are fatal: an unwritable or locked directory, or a
// corrupted index, returns an error and nothing is left open.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		schema: document.DefaultSchema(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limits = document.Limits{MaxBodyBytes: cfg.Index.MaxBodyBytes, Now: e.now}
	if e.limits.MaxBodyBytes <= 0 {
		e.limits.MaxBodyBytes = document.DefaultLimits().MaxBodyBytes
	}
	e.timeout = cfg.Search.QueryTimeout.Std()
	e.baseTTL = cfg.Cache.TTL.Std()

	defer func() {
		if err != nil {
			_ = e.release()
		}
	}()

	if err := e.openStores(ctx); err != nil {
		return nil, err
	}

	e.logStore, err = telemetry.NewSQLiteLogStore(ctx, e.meta.DB())
	if err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "failed to open query log", err)
	}
	e.analytics = telemetry.New(e.logStore, telemetry.DefaultConfig(),
		telemetry.WithLogger(e.logger), telemetry.WithClock(e.now))
	if werr := e.analytics.Warm(ctx, e.now().Add(-warmWindow), warmLimit); werr != nil {
		e.logger.Warn("analytics_warm_failed", slog.String("error", werr.Error()))
	}

	e.compiler = query.NewCompiler(e.index, e.schema,
		query.WithOptions(query.Options{
			MaxFuzzyDistance: cfg.Search.FuzzyMaxDistance,
			MaxExpansions:    cfg.Search.FuzzyMaxExpansions,
			DefaultLimit:     cfg.Search.DefaultLimit,
			MaxResults:       cfg.Search.MaxResults,
			RecencyWeight:    cfg.Search.RecencyWeight,
			MaxQueryLength:   cfg.Search.MaxQueryLength,
			Now:              e.now,
		}),
		query.WithCompilerLogger(e.logger))

	e.indexer, err = indexing.NewManager(e.index, e.meta, indexingConfig(cfg),
		indexing.WithLogger(e.logger),
		indexing.WithOnCommit(e.onCommit))
	if err != nil {
		return nil, fmt.Errorf("create indexing manager: %w", err)
	}

	e.providers = provider.NewManager(provider.Config{
		MaxConcurrent:    cfg.Providers.MaxConcurrent,
		FetchTimeout:     cfg.Providers.FetchTimeout.Std(),
		FailureThreshold: cfg.Providers.FailureThreshold,
		Cooldown:         cfg.Providers.Cooldown.Std(),
		Limits:           e.limits,
	}, e.meta, provider.WithLogger(e.logger), provider.WithClock(e.now))

	e.monitor = perf.New(perfConfig(cfg),
		perf.WithLogger(e.logger),
		perf.WithClock(e.now),
		perf.WithTuner(e),
		perf.WithProviderHealth(e.providers.HealthyRatio),
		perf.WithFragmentation(e.index.Fragmentation))

	e.cache, err = NewResultCache(cfg.Cache.MaxEntries, e.baseTTL, e.now)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	e.admission = newAdmission(cfg.Search.MaxConcurrentQueries, cfg.Performance.MinAdmission,
		cfg.Search.AdmissionWait.Std())

	if !e.noAdapters {
		if err := e.registerConfigured(ctx); err != nil {
			return nil, err
		}
	}

	e.logger.Info("engine_opened",
		slog.String("path", cfg.Index.Path),
		slog.Int("sources", len(e.providers.Sources())),
		slog.Duration("query_timeout", e.timeout))
	return e, nil
}

func (e *Engine) openStores(ctx context.Context) error {
	var err error
	if e.cfg.Index.Path == "" {
		e.index, err = store.OpenIndex("", e.indexStoreOptions()...)
		if err != nil {
			return err
		}
		e.meta, err = store.OpenMeta(":memory:", e.logger)
		return err
	}

	e.lock, err = store.AcquireDirLock(config.ExpandPath(e.cfg.Index.Path))
	if err != nil {
		return err
	}
	e.index, err = store.OpenIndex(store.IndexPath(e.lock.Dir()), e.indexStoreOptions()...)
	if err != nil {
		return err
	}
	e.meta, err = store.OpenMeta(store.MetaPath(e.lock.Dir()), e.logger)
	if err != nil {
		return err
	}
	_, err = store.ReconcileLedger(ctx, e.index, e.meta, e.logger)
	return err
}

func (e *Engine) indexStoreOptions() []store.IndexOption {
	opts := []store.IndexOption{store.WithLogger(e.logger), store.WithSchema(e.schema)}
	return append(opts, e.indexOpts...)
}

func indexingConfig(cfg *config.Config) indexing.Config {
	ic := indexing.Config{
		Workers:         cfg.Indexing.Workers,
		BatchSize:       cfg.Indexing.BatchSize,
		RefreshInterval: cfg.Indexing.RefreshInterval.Std(),
		HighWaterMark:   cfg.Indexing.HighWaterMark,
		Retry:           errors.DefaultRetryConfig(),
	}
	if cfg.Indexing.RetryAttempts > 0 {
		ic.Retry.MaxRetries = cfg.Indexing.RetryAttempts
	}
	if d := cfg.Indexing.RetryInitialDelay.Std(); d > 0 {
		ic.Retry.InitialDelay = d
	}
	if d := cfg.Indexing.RetryMaxDelay.Std(); d > 0 {
		ic.Retry.MaxDelay = d
	}
	return ic
}

func perfConfig(cfg *config.Config) perf.Config {
	pc := perf.DefaultConfig()
	p := cfg.Performance
	if d := p.TargetP95.Std(); d > 0 {
		pc.Target = d
	}
	if p.WindowSize > 0 {
		pc.WindowSize = p.WindowSize
	}
	if d := p.WindowDuration.Std(); d > 0 {
		pc.WindowDuration = d
	}
	if p.SustainedChecks > 0 {
		pc.SustainedChecks = p.SustainedChecks
	}
	if d := p.EvaluationInterval.Std(); d > 0 {
		pc.EvaluationInterval = d
	}
	if p.FragmentationThreshold > 0 {
		pc.FragmentationThreshold = p.FragmentationThreshold
	}
	pc.AutoTune = p.AutoTune
	return pc
}

// Start launches the indexing workers, the performance evaluation loop and
// live watches on adapters that support them. Mutations require Start.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return errors.ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	if err := e.indexer.Start(runCtx); err != nil {
		cancel()
		e.started.Store(false)
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(runCtx)
	}()

	watches, err := e.providers.Subscribe(runCtx, func(it provider.Item) { e.applyLive(runCtx, it) })
	if err != nil {
		e.logger.Warn("provider_subscribe_failed", slog.String("error", err.Error()))
	}
	e.logger.Info("engine_started", slog.Int("watches", watches))
	return nil
}

// Flush commits everything queued and waits for it.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.requireStarted(); err != nil {
		return err
	}
	return e.indexer.Drain(ctx)
}

// Close flushes queued work, stops background loops and releases the index
// directory. It is safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error
	if err := e.indexer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop indexing: %w", err))
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if err := e.release(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine_closed")
	return stderrors.Join(errs...)
}

// release closes whatever New managed to open, in reverse order.
func (e *Engine) release() error {
	var errs []error
	if e.analytics != nil {
		if err := e.analytics.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close analytics: %w", err))
		}
	}
	if e.meta != nil {
		if err := e.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata: %w", err))
		}
	}
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	if err := e.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (e *Engine) requireStarted() error {
	if e.closed.Load() {
		return errors.ErrEngineClosed
	}
	if !e.started.Load() {
		return errors.Newf(errors.ErrCodeInternal, "engine not started")
	}
	return nil
}

// onCommit runs on an indexing worker after every published batch.
func (e *Engine) onCommit(ev indexing.CommitEvent) {
	e.monitor.RecordLatency(perf.StageCommit, ev.Duration)
	e.logger.Debug("engine_commit_observed",
		slog.Uint64("commit_id", uint64(ev.ID)),
		slog.Int("upserts", ev.Upserts),
		slog.Int("deletes", ev.Deletes))
}

// Monitor exposes the performance monitor.
func (e *Engine) Monitor() *perf.Monitor { return e.monitor }

// Providers exposes the provider registry.
func (e *Engine) Providers() *provider.Manager { return e.providers }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }
