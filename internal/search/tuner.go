package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/perf"
)

var _ perf.Tuner = (*Engine)(nil)

// Apply carries out one tuning action from the performance monitor.
func (e *Engine) Apply(ctx context.Context, a perf.Action) error {
	switch a.Kind {
	case perf.ActionShrinkAdmission:
		before, after := e.admission.shrink()
		e.logger.Info("admission_limit_changed",
			slog.Int64("before", before), slog.Int64("after", after), slog.String("reason", a.Reason))

	case perf.ActionExtendCacheTTL:
		before := e.cache.TTL()
		after := before * 2
		if after <= 0 {
			after = e.baseTTL
		}
		if ceiling := e.cfg.Performance.MaxCacheTTL.Std(); ceiling > 0 && after > ceiling {
			after = ceiling
		}
		e.cache.SetTTL(after)
		e.logger.Info("cache_ttl_changed",
			slog.Duration("before", before), slog.Duration("after", after), slog.String("reason", a.Reason))

	case perf.ActionScheduleOptimize:
		e.scheduleOptimize()

	case perf.ActionRelax:
		before, after := e.admission.relax()
		e.cache.SetTTL(e.baseTTL)
		e.logger.Info("tuning_relaxed",
			slog.Int64("admission_before", before), slog.Int64("admission_after", after),
			slog.Duration("cache_ttl", e.baseTTL))

	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown tuning action %q", a.Kind)
	}
	return nil
}

// scheduleOptimize runs OptimizeIndices in the background unless the engine
// is stopping or an optimize is already running.
func (e *Engine) scheduleOptimize() {
	if e.closed.Load() || e.optimizing.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := e.OptimizeIndices(ctx); err != nil {
			e.logger.Warn("scheduled_optimize_failed", slog.String("error", err.Error()))
		}
	}()
}
