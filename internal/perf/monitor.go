// Package perf tracks per-stage latency over rolling windows, scores engine
// health and drives auto-tuning when the p95 latency target is breached.
package perf

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Stage names a measured step.
type Stage string

const (
	StageParse  Stage = "query_parse"
	StageLookup Stage = "index_lookup"
	StageFacets Stage = "facet_compute"
	StageTotal  Stage = "total"
	StageCommit Stage = "index_commit"
	StageFetch  Stage = "provider_fetch"
)

// historyLimit bounds retained tuning events.
const historyLimit = 100

// QueryStages are the stages reported for every query.
var QueryStages = []Stage{StageParse, StageLookup, StageFacets, StageTotal}

// Config tunes the monitor.
type Config struct {
	// Target is the p95 latency goal for StageTotal.
	Target         time.Duration
	WindowSize     int
	WindowDuration time.Duration
	// SustainedChecks is the number of consecutive breaching evaluations
	// before tuning actions fire.
	SustainedChecks    int
	EvaluationInterval time.Duration
	// MinSamples is the smallest window that is evaluated at all.
	MinSamples int
	// MaxErrorRate is the error rate that still scores full marks.
	MaxErrorRate float64
	// TargetCacheHitRate drives the cache recommendation.
	TargetCacheHitRate     float64
	FragmentationThreshold float64
	AutoTune               bool
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Target:                 300 * time.Millisecond,
		WindowSize:             1000,
		WindowDuration:         5 * time.Minute,
		SustainedChecks:        3,
		EvaluationInterval:     30 * time.Second,
		MinSamples:             10,
		MaxErrorRate:           0.05,
		TargetCacheHitRate:     0.7,
		FragmentationThreshold: 0.3,
		AutoTune:               true,
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTuner sets the receiver of tuning actions.
func WithTuner(t Tuner) Option {
	return func(m *Monitor) { m.tuner = t }
}

// WithProviderHealth reports the fraction of healthy providers, 0..1.
func WithProviderHealth(fn func() float64) Option {
	return func(m *Monitor) { m.providers = fn }
}

// WithFragmentation reports the index tombstone ratio, 0..1.
func WithFragmentation(fn func() float64) Option {
	return func(m *Monitor) { m.fragmentation = fn }
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time
	tuner         Tuner
	providers     func() float64
	fragmentation func() float64

	mu       sync.Mutex
	stages   map[Stage]*window
	outcomes *window
	breaches int
	// tuned counts tightening rounds not yet relaxed.
	tuned   int
	pending []int
	history []Event
}

// New creates a monitor.
func New(cfg Config, opts ...Option) *Monitor {
	d := DefaultConfig()
	if cfg.Target <= 0 {
		cfg.Target = d.Target
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = d.WindowSize
	}
	if cfg.SustainedChecks <= 0 {
		cfg.SustainedChecks = d.SustainedChecks
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = d.EvaluationInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = d.MinSamples
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = d.MaxErrorRate
	}
	if cfg.TargetCacheHitRate <= 0 {
		cfg.TargetCacheHitRate = d.TargetCacheHitRate
	}
	if cfg.FragmentationThreshold <= 0 {
		cfg.FragmentationThreshold = d.FragmentationThreshold
	}
	m := &Monitor{
		cfg:           cfg,
		logger:        slog.Default(),
		now:           time.Now,
		providers:     func() float64 { return 1 },
		fragmentation: func() float64 { return 0 },
		stages:        make(map[Stage]*window),
		outcomes:      newWindow(cfg.WindowSize, cfg.WindowDuration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the active configuration.
func (m *Monitor) Config() Config { return m.cfg }

// RecordLatency adds one sample for stage.
func (m *Monitor) RecordLatency(stage Stage, d time.Duration) {
	if d < 0 {
		d = 0
	}
	now := m.now()
	m.mu.Lock()
	w, ok := m.stages[stage]
	if !ok {
		w = newWindow(m.cfg.WindowSize, m.cfg.WindowDuration)
		m.stages[stage] = w
	}
	w.add(sample{at: now, d: d})
	m.mu.Unlock()

	if stage == StageTotal && d > 2*m.cfg.Target {
		m.logger.Warn("perf_slow_query",
			slog.Duration("took", d),
			slog.Duration("target", m.cfg.Target))
	}
}

// RecordOutcome counts one operation toward the error rate.
func (m *Monitor) RecordOutcome(failed bool) {
	now := m.now()
	m.mu.Lock()
	m.outcomes.add(sample{at: now, failed: failed})
	m.mu.Unlock()
}

// Percentiles summarizes one stage.
func (m *Monitor) Percentiles(stage Stage) Percentiles {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.percentilesLocked(stage, now)
}

func (m *Monitor) percentilesLocked(stage Stage, now time.Time) Percentiles {
	w, ok := m.stages[stage]
	if !ok {
		return Percentiles{}
	}
	return summarize(w.live(now))
}

// ErrorRate is the failed fraction of recent outcomes.
func (m *Monitor) ErrorRate() float64 {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorRateLocked(now)
}

func (m *Monitor) errorRateLocked(now time.Time) float64 {
	live := m.outcomes.live(now)
	if len(live) == 0 {
		return 0
	}
	failed := 0
	for _, s := range live {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(live))
}

// HealthScore blends latency (40 points), provider availability (30) and
// error rate (30) into 0..100. It is informational and never gates requests.
func (m *Monitor) HealthScore() float64 {
	now := m.now()
	m.mu.Lock()
	p := m.percentilesLocked(StageTotal, now)
	errRate := m.errorRateLocked(now)
	m.mu.Unlock()
	return score(m.cfg, p, m.providers(), errRate)
}

func score(cfg Config, p Percentiles, providers, errRate float64) float64 {
	latency := 40.0
	if p.Count > 0 && p.P95 > cfg.Target {
		latency = 40 * float64(cfg.Target) / float64(p.P95)
	}

	providers = math.Max(0, math.Min(1, providers))
	provider := 30 * providers

	errScore := 30.0
	if errRate > cfg.MaxErrorRate {
		errScore = 30 * math.Max(0, 1-(errRate-cfg.MaxErrorRate)/cfg.MaxErrorRate)
	}

	total := latency + provider + errScore
	return math.Round(total*10) / 10
}

// Snapshot is a point-in-time report.
type Snapshot struct {
	Stages        map[Stage]Percentiles `json:"stages"`
	Target        time.Duration         `json:"target"`
	ErrorRate     float64               `json:"error_rate"`
	ProviderRatio float64               `json:"provider_ratio"`
	Fragmentation float64               `json:"fragmentation"`
	HealthScore   float64               `json:"health_score"`
	Breaches      int                   `json:"breaches"`
	Tuned         int                   `json:"tuned"`
	History       []Event               `json:"history,omitempty"`
}

// Snapshot reports every stage with samples plus the derived scores.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()
	providers := m.providers()
	frag := m.fragmentation()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Stages:        make(map[Stage]Percentiles, len(m.stages)),
		Target:        m.cfg.Target,
		ErrorRate:     m.errorRateLocked(now),
		ProviderRatio: providers,
		Fragmentation: frag,
		Breaches:      m.breaches,
		Tuned:         m.tuned,
		History:       append([]Event(nil), m.history...),
	}
	for stage, w := range m.stages {
		if p := summarize(w.live(now)); p.Count > 0 {
			s.Stages[stage] = p
		}
	}
	s.HealthScore = score(m.cfg, s.Stages[StageTotal], providers, s.ErrorRate)
	return s
}

// Reset discards all samples and tuning state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.stages {
		w.reset()
	}
	m.outcomes.reset()
	m.breaches = 0
}

// History returns tuning events, oldest first.
func (m *Monitor) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.history...)
}

// Evaluate checks the total-latency window once, fires tuning actions on a
// sustained breach and relaxes earlier actions once latency has recovered.
// It returns the actions taken.
func (m *Monitor) Evaluate(ctx context.Context) []Action {
	now := m.now()
	frag := m.fragmentation()

	m.mu.Lock()
	p := m.percentilesLocked(StageTotal, now)
	m.completePendingLocked(now, p)

	if p.Count < m.cfg.MinSamples {
		m.mu.Unlock()
		return nil
	}

	var actions []Action
	switch {
	case p.P95 > m.cfg.Target:
		m.breaches++
		if m.breaches >= m.cfg.SustainedChecks {
			actions = m.tightenLocked(p, frag)
			m.breaches = 0
		}
	case m.tuned > 0 && float64(p.P95) < 0.7*float64(m.cfg.Target):
		m.breaches = 0
		m.tuned--
		actions = []Action{{Kind: ActionRelax, Reason: "p95 recovered below 70% of target", Before: p}}
	default:
		m.breaches = 0
	}
	m.mu.Unlock()

	if len(actions) == 0 {
		return nil
	}
	m.dispatch(ctx, actions)
	return actions
}

func (m *Monitor) tightenLocked(p Percentiles, frag float64) []Action {
	reason := "p95 " + p.P95.String() + " above target " + m.cfg.Target.String()
	actions := []Action{
		{Kind: ActionShrinkAdmission, Reason: reason, Before: p},
		{Kind: ActionExtendCacheTTL, Reason: reason, Before: p},
	}
	if frag >= m.cfg.FragmentationThreshold {
		actions = append(actions, Action{Kind: ActionScheduleOptimize, Reason: "fragmentation above threshold", Before: p})
	}
	m.tuned++
	return actions
}

// dispatch applies actions through the tuner and records them.
func (m *Monitor) dispatch(ctx context.Context, actions []Action) {
	for _, a := range actions {
		ev := Event{At: m.now(), Kind: a.Kind, Reason: a.Reason, BeforeP95: a.Before.P95}
		if !m.cfg.AutoTune || m.tuner == nil {
			ev.Skipped = true
		} else if err := m.tuner.Apply(ctx, a); err != nil {
			ev.Error = err.Error()
		}

		m.logger.Info("perf_tune_action",
			slog.String("action", string(a.Kind)),
			slog.String("reason", a.Reason),
			slog.Duration("before_p95", a.Before.P95),
			slog.Bool("skipped", ev.Skipped),
			slog.String("error", ev.Error))

		m.mu.Lock()
		m.history = append(m.history, ev)
		if len(m.history) > historyLimit {
			m.history = m.history[len(m.history)-historyLimit:]
			m.reindexPendingLocked()
		}
		if !ev.Skipped && ev.Error == "" {
			m.pending = append(m.pending, len(m.history)-1)
		}
		m.mu.Unlock()
	}
}

// completePendingLocked fills the after-percentile of the previous round's
// actions so each action shows its effect.
func (m *Monitor) completePendingLocked(now time.Time, p Percentiles) {
	if len(m.pending) == 0 {
		return
	}
	for _, i := range m.pending {
		ev := &m.history[i]
		ev.AfterP95 = p.P95
		ev.Measured = true
		m.logger.Info("perf_tune_result",
			slog.String("action", string(ev.Kind)),
			slog.Duration("before_p95", ev.BeforeP95),
			slog.Duration("after_p95", p.P95),
			slog.Duration("elapsed", now.Sub(ev.At)))
	}
	m.pending = m.pending[:0]
}

// reindexPendingLocked drops pending indexes that fell off the history.
func (m *Monitor) reindexPendingLocked() {
	kept := m.pending[:0]
	for _, i := range m.pending {
		if j := i - 1; j >= 0 {
			kept = append(kept, j)
		}
	}
	m.pending = kept
}

// Run evaluates on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Recommendations derives advice from the current windows. cacheHitRate
// comes from the caller since the monitor does not own the cache.
func (m *Monitor) Recommendations(cacheHitRate float64) Recommendations {
	s := m.Snapshot()
	r := Recommendations{Priority: 1}
	raise := func(p int) {
		if p > r.Priority {
			r.Priority = p
		}
	}

	total := s.Stages[StageTotal]
	if total.Count > 0 && total.P95 > s.Target {
		r.OptimizeIndex = true
		raise(4)
		over := (float64(total.P95)/float64(s.Target) - 1) * 100
		r.Items = append(r.Items, "p95 latency "+total.P95.Round(time.Millisecond).String()+
			" exceeds target "+s.Target.String()+" by "+formatPct(over)+"; consider optimizing the index")
	}
	if s.Fragmentation >= m.cfg.FragmentationThreshold {
		r.OptimizeIndex = true
		raise(3)
		r.Items = append(r.Items, "index fragmentation "+formatPct(s.Fragmentation*100)+" is above threshold; run optimize")
	}
	if total.Count > 0 && cacheHitRate < m.cfg.TargetCacheHitRate {
		r.TuneCache = true
		raise(2)
		r.Items = append(r.Items, "cache hit rate "+formatPct(cacheHitRate*100)+" is below target "+
			formatPct(m.cfg.TargetCacheHitRate*100)+"; consider a longer cache TTL")
	}
	if s.ErrorRate > m.cfg.MaxErrorRate {
		raise(5)
		r.Items = append(r.Items, "error rate "+formatPct(s.ErrorRate*100)+" exceeds maximum "+
			formatPct(m.cfg.MaxErrorRate*100)+"; investigate failures")
	}
	if s.ProviderRatio < 1 {
		raise(3)
		r.Items = append(r.Items, "some providers are unhealthy; check 'unisearch status'")
	}
	if fetch, ok := s.Stages[StageFetch]; ok && fetch.P95 > 10*s.Target {
		raise(2)
		r.Items = append(r.Items, "provider fetches are slow (p95 "+fetch.P95.Round(time.Millisecond).String()+")")
	}
	if len(r.Items) == 0 {
		r.Items = append(r.Items, "performance is within acceptable parameters")
	}
	return r
}
