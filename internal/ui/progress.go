package ui

import (
	"sync"
	"time"
)

// Smoothing factors for speed and ETA. Higher reacts faster.
const (
	speedSmoothing = 0.2
	etaSmoothing   = 0.3
	// speedInterval is the minimum gap between speed samples.
	speedInterval = 500 * time.Millisecond
)

// SpeedStats is items per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of a tracker.
type ProgressStats struct {
	Stage      Stage
	Current    int
	Total      int
	Progress   float64
	ETA        time.Duration
	Elapsed    time.Duration
	Item       string
	ErrorCount int
	WarnCount  int
	Speed      SpeedStats
}

// ProgressTracker accumulates progress events. It is safe for concurrent
// use.
type ProgressTracker struct {
	mu         sync.Mutex
	now        func() time.Time
	stage      Stage
	current    int
	total      int
	item       string
	start      time.Time
	stageStart time.Time
	errors     []ErrorEvent
	warnings   []ErrorEvent

	lastETA    time.Duration
	lastCount  int
	lastSample time.Time
	speed      SpeedStats
	samples    int
	spark      *Sparkline
}

// NewProgressTracker creates a tracker on the wall clock.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{
		now:        now,
		stage:      StageFetching,
		start:      t,
		stageStart: t,
		lastSample: t,
		spark:      NewSparkline(60),
	}
}

// SetStage moves to stage with total expected items and resets speed.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.now()
	p.stage = stage
	p.total = total
	p.current = 0
	p.item = ""
	p.stageStart = t
	p.lastETA = 0
	p.lastCount = 0
	p.lastSample = t
	p.speed = SpeedStats{}
	p.samples = 0
	p.spark.Reset()
}

// Update records current progress in the stage.
func (p *ProgressTracker) Update(current int, item string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = current
	if item != "" {
		p.item = item
	}

	t := p.now()
	elapsed := t.Sub(p.lastSample)
	if elapsed < speedInterval {
		return
	}
	if delta := current - p.lastCount; delta > 0 {
		v := float64(delta) / elapsed.Seconds()
		p.speed.Current = v
		p.samples++
		if p.samples == 1 {
			p.speed.Avg = v
		} else {
			p.speed.Avg = speedSmoothing*v + (1-speedSmoothing)*p.speed.Avg
		}
		if v > p.speed.Peak {
			p.speed.Peak = v
		}
		p.spark.Add(v)
	}
	p.lastCount = current
	p.lastSample = t
}

// AddError records an error or warning.
func (p *ProgressTracker) AddError(ev ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.IsWarn {
		p.warnings = append(p.warnings, ev)
	} else {
		p.errors = append(p.errors, ev)
	}
}

// Stats returns a snapshot. It updates ETA smoothing state.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressStats{
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Progress:   p.fractionLocked(),
		ETA:        p.etaLocked(),
		Elapsed:    p.now().Sub(p.start),
		Item:       p.item,
		ErrorCount: len(p.errors),
		WarnCount:  len(p.warnings),
		Speed:      p.speed,
	}
}

// Errors returns a copy of the recorded errors.
func (p *ProgressTracker) Errors() []ErrorEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ErrorEvent(nil), p.errors...)
}

// Throughput draws the speed sparkline.
func (p *ProgressTracker) Throughput(width int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spark.Render(width)
}

func (p *ProgressTracker) fractionLocked() float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(p.current) / float64(p.total)
	if f > 1 {
		return 1
	}
	return f
}

// etaLocked extrapolates the stage duration from the completed fraction,
// smoothed against the previous estimate.
func (p *ProgressTracker) etaLocked() time.Duration {
	f := p.fractionLocked()
	if f <= 0 || f >= 1 {
		return 0
	}
	elapsed := p.now().Sub(p.stageStart)
	remaining := time.Duration(float64(elapsed)/f) - elapsed
	if remaining < 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = remaining
		return remaining
	}
	p.lastETA = time.Duration(etaSmoothing*float64(remaining) + (1-etaSmoothing)*float64(p.lastETA))
	return p.lastETA
}
