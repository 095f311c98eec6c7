package ui

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSparkline_RingKeepsNewest(t *testing.T) {
	// Given: a sparkline holding two samples
	s := NewSparkline(2)

	// When: adding three
	s.Add(1)
	s.Add(2)
	s.Add(3)

	// Then: the oldest is gone and order is oldest first
	assert.Equal(t, []float64{2, 3}, s.Values())
	assert.Equal(t, 2, s.Len())

	s.Reset()
	assert.Empty(t, s.Values())
	assert.Equal(t, 0, s.Len())
}

func TestNewSparkline_DefaultSize(t *testing.T) {
	s := NewSparkline(0)
	for i := 0; i < 100; i++ {
		s.Add(float64(i))
	}

	assert.Equal(t, 60, s.Len())
	assert.Equal(t, 40.0, s.Values()[0])
}

func TestRenderSpark(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		width  int
		want   string
	}{
		{"scaled to peak and left padded", []float64{0, 1, 2}, 5, "  ▁▄█"},
		{"keeps the latest when too long", []float64{8, 0, 8}, 2, "▁█"},
		{"all zero", []float64{0, 0}, 0, "▁▁"},
		{"empty", nil, 3, "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderSpark(tt.values, tt.width))
		})
	}
}

func TestSparkline_RenderWidth(t *testing.T) {
	s := NewSparkline(10)
	s.Add(5)

	out := s.Render(8)

	assert.Equal(t, 8, utf8.RuneCountInString(out))
	assert.Equal(t, '█', []rune(out)[7])
}
