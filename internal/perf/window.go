package perf

import (
	"sort"
	"time"
)

// sample is one observation. For outcome windows d is unused and failed
// marks an error.
type sample struct {
	at     time.Time
	d      time.Duration
	failed bool
}

// window is a bounded ring of recent samples. Samples older than maxAge are
// ignored on read and overwritten on write. Not safe for concurrent use.
type window struct {
	items  []sample
	head   int
	size   int
	maxAge time.Duration
}

func newWindow(capacity int, maxAge time.Duration) *window {
	if capacity <= 0 {
		capacity = 1000
	}
	return &window{items: make([]sample, capacity), maxAge: maxAge}
}

func (w *window) add(s sample) {
	w.items[w.head] = s
	w.head = (w.head + 1) % len(w.items)
	if w.size < len(w.items) {
		w.size++
	}
}

// live returns the samples newer than now-maxAge, oldest first.
func (w *window) live(now time.Time) []sample {
	out := make([]sample, 0, w.size)
	start := (w.head - w.size + len(w.items)) % len(w.items)
	for i := 0; i < w.size; i++ {
		s := w.items[(start+i)%len(w.items)]
		if w.maxAge > 0 && now.Sub(s.at) > w.maxAge {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (w *window) reset() {
	w.head = 0
	w.size = 0
}

// Percentiles summarizes one stage's live window.
type Percentiles struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P75   time.Duration `json:"p75"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// summarize computes nearest-rank percentiles over samples.
func summarize(samples []sample) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	ds := make([]time.Duration, len(samples))
	var total time.Duration
	for i, s := range samples {
		ds[i] = s.d
		total += s.d
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })

	rank := func(p int) time.Duration {
		i := (len(ds)*p + 99) / 100
		if i > 0 {
			i--
		}
		return ds[i]
	}
	return Percentiles{
		Count: len(ds),
		Mean:  total / time.Duration(len(ds)),
		P50:   rank(50),
		P75:   rank(75),
		P90:   rank(90),
		P95:   rank(95),
		P99:   rank(99),
		Max:   ds[len(ds)-1],
	}
}
