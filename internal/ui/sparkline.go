package ui

import "strings"

// sparkRunes are eight bar heights, lowest first.
var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// Sparkline keeps the most recent samples in a ring.
type Sparkline struct {
	samples []float64
	next    int
	filled  bool
}

// NewSparkline creates a sparkline holding size samples (default 60).
func NewSparkline(size int) *Sparkline {
	if size <= 0 {
		size = 60
	}
	return &Sparkline{samples: make([]float64, size)}
}

// Add appends a sample, overwriting the oldest when full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.next] = v
	s.next = (s.next + 1) % len(s.samples)
	if s.next == 0 {
		s.filled = true
	}
}

// Values returns the samples, oldest first.
func (s *Sparkline) Values() []float64 {
	if !s.filled {
		return append([]float64(nil), s.samples[:s.next]...)
	}
	out := make([]float64, 0, len(s.samples))
	out = append(out, s.samples[s.next:]...)
	return append(out, s.samples[:s.next]...)
}

// Len returns the number of samples held.
func (s *Sparkline) Len() int {
	if s.filled {
		return len(s.samples)
	}
	return s.next
}

// Reset discards every sample.
func (s *Sparkline) Reset() {
	for i := range s.samples {
		s.samples[i] = 0
	}
	s.next = 0
	s.filled = false
}

// Render draws the latest width samples; width <= 0 draws all of them.
func (s *Sparkline) Render(width int) string {
	return RenderSpark(s.Values(), width)
}

// RenderSpark draws values scaled to their maximum. When fewer than width
// values exist the line is left-padded with spaces, so new samples always
// appear on the right.
func RenderSpark(values []float64, width int) string {
	if width <= 0 {
		width = len(values)
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}

	var sb strings.Builder
	sb.Grow(width * 3)
	sb.WriteString(strings.Repeat(" ", width-len(values)))
	top := len(sparkRunes) - 1
	for _, v := range values {
		idx := 0
		if peak > 0 && v > 0 {
			idx = int(v / peak * float64(top))
		}
		sb.WriteRune(sparkRunes[idx])
	}
	return sb.String()
}
