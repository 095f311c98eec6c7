// Package schedule runs periodic engine maintenance on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

// Name returns the job name.
func (j JobFunc) Name() string { return j.JobName }

// Run calls the function.
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// RunStats is what the scheduler knows about one job.
type RunStats struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	Skipped   int64         `json:"skipped"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"last_duration"`
	Next      time.Time     `json:"next,omitempty"`
}

// Scheduler runs jobs on standard five-field cron specs or descriptors
// such as "@every 5m". A job still running when its next tick fires is
// skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	runs    map[string]func(context.Context)
	stats   map[string]*RunStats
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		logger:  slog.Default(),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		runs:    make(map[string]func(context.Context)),
		stats:   make(map[string]*RunStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add schedules job on spec. Adding a second job with the same name
// replaces the first.
func (s *Scheduler) Add(job Job, spec string) error {
	name := job.Name()
	logger := s.logger.With(slog.String("job", name), slog.String("spec", spec))

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	run := s.wrap(job, spec)
	id, err := s.cron.AddFunc(spec, func() { run(s.baseContext()) })
	if err != nil {
		logger.Error("job_schedule_failed", slog.String("error", err.Error()))
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = id
	s.runs[name] = run
	s.stats[name] = &RunStats{Name: name, Spec: spec}
	logger.Info("job_scheduled")
	return nil
}

// Start begins firing jobs. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Stats returns per-job statistics in name order.
func (s *Scheduler) Stats() []RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunStats, 0, len(s.stats))
	for name, st := range s.stats {
		cp := *st
		if id, ok := s.entries[name]; ok {
			cp.Next = s.cron.Entry(id).Next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow executes the named job synchronously, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	run, ok := s.runs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	run(ctx)
	st := s.statsFor(name)
	if st.LastError != "" {
		return fmt.Errorf("%s: %s", name, st.LastError)
	}
	return nil
}

func (s *Scheduler) statsFor(name string) RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[name]; ok {
		return *st
	}
	return RunStats{Name: name}
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) wrap(job Job, spec string) func(context.Context) {
	var running atomic.Bool
	name := job.Name()
	return func(ctx context.Context) {
		logger := s.logger.With(slog.String("job", name), slog.String("spec", spec))
		if !running.CompareAndSwap(false, true) {
			s.update(name, func(st *RunStats) { st.Skipped++ })
			logger.Info("job_skipped_still_running")
			return
		}
		defer running.Store(false)

		start := time.Now()
		logger.Debug("job_started")
		err := job.Run(ctx)
		elapsed := time.Since(start)
		s.update(name, func(st *RunStats) {
			st.Runs++
			st.LastRun = start
			st.Duration = elapsed
			st.LastError = ""
			if err != nil {
				st.Failures++
				st.LastError = err.Error()
			}
		})
		if err != nil {
			logger.Error("job_failed", slog.String("error", err.Error()), slog.Duration("duration", elapsed))
			return
		}
		logger.Info("job_finished", slog.Duration("duration", elapsed))
	}
}

func (s *Scheduler) update(name string, fn func(*RunStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[name]; ok {
		fn(st)
	}
}
