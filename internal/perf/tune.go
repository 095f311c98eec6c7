package perf

import (
	"context"
	"strconv"
	"time"
)

// ActionKind is a tuning step.
type ActionKind string

const (
	// ActionShrinkAdmission lowers the concurrent-query cap.
	ActionShrinkAdmission ActionKind = "shrink_admission"
	// ActionExtendCacheTTL keeps cached results longer.
	ActionExtendCacheTTL ActionKind = "extend_cache_ttl"
	// ActionScheduleOptimize compacts the index.
	ActionScheduleOptimize ActionKind = "schedule_optimize"
	// ActionRelax undoes one round of shrink and extend.
	ActionRelax ActionKind = "relax"
)

// Action is one tuning decision with the percentiles that triggered it.
type Action struct {
	Kind   ActionKind
	Reason string
	Before Percentiles
}

// Tuner applies tuning actions to the engine.
type Tuner interface {
	Apply(ctx context.Context, a Action) error
}

// TunerFunc adapts a function to Tuner.
type TunerFunc func(ctx context.Context, a Action) error

// Apply calls f.
func (f TunerFunc) Apply(ctx context.Context, a Action) error { return f(ctx, a) }

// Event records one dispatched action. AfterP95 is filled at the next
// evaluation.
type Event struct {
	At        time.Time     `json:"at"`
	Kind      ActionKind    `json:"kind"`
	Reason    string        `json:"reason"`
	BeforeP95 time.Duration `json:"before_p95"`
	AfterP95  time.Duration `json:"after_p95"`
	Measured  bool          `json:"measured"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Recommendations is operator advice, priority 1 (low) to 5 (high).
type Recommendations struct {
	OptimizeIndex bool     `json:"optimize_index"`
	TuneCache     bool     `json:"tune_cache"`
	Items         []string `json:"items"`
	Priority      int      `json:"priority"`
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}
