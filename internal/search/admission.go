package search

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

// AdmissionStats describes query admission control.
type AdmissionStats struct {
	Capacity int64 `json:"capacity"`
	Limit    int64 `json:"limit"`
	InFlight int64 `json:"in_flight"`
	Rejected int64 `json:"rejected"`
}

// admission caps in-flight queries. Shrinking the limit takes slots out of
// the semaphore and holds them; relaxing hands them back.
type admission struct {
	sem      *semaphore.Weighted
	capacity int64
	floor    int64
	wait     time.Duration

	mu       sync.Mutex
	reserved int64

	inflight atomic.Int64
	rejected atomic.Int64
}

func newAdmission(capacity, floor int, wait time.Duration) *admission {
	if capacity <= 0 {
		capacity = 50
	}
	if floor <= 0 || floor > capacity {
		floor = capacity
	}
	return &admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		floor:    int64(floor),
		wait:     wait,
	}
}

// acquire takes a slot, waiting at most a.wait. The returned func releases it.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	if !a.sem.TryAcquire(1) {
		if a.wait <= 0 {
			a.rejected.Add(1)
			return nil, errors.ErrTooManyConcurrentQueries
		}
		wctx, cancel := context.WithTimeout(ctx, a.wait)
		err := a.sem.Acquire(wctx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.rejected.Add(1)
			return nil, errors.ErrTooManyConcurrentQueries
		}
	}
	a.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			a.inflight.Add(-1)
			a.sem.Release(1)
		})
	}, nil
}

// shrink halves the headroom above the minimum. Slots held by running
// queries are not waited for; only free slots are reserved. It returns the
// limit before and after.
func (a *admission) shrink() (before, after int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	before = a.capacity - a.reserved
	target := before - (before-a.floor+1)/2
	for limit := before; limit > target; limit-- {
		if !a.sem.TryAcquire(1) {
			break
		}
		a.reserved++
	}
	return before, a.capacity - a.reserved
}

// relax returns every reserved slot.
func (a *admission) relax() (before, after int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	before = a.capacity - a.reserved
	if a.reserved > 0 {
		a.sem.Release(a.reserved)
		a.reserved = 0
	}
	return before, a.capacity
}

func (a *admission) stats() AdmissionStats {
	a.mu.Lock()
	limit := a.capacity - a.reserved
	a.mu.Unlock()
	return AdmissionStats{
		Capacity: a.capacity,
		Limit:    limit,
		InFlight: a.inflight.Load(),
		Rejected: a.rejected.Load(),
	}
}
