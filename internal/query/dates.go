package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	relativeDate = regexp.MustCompile(`^now(?:([+-])(\d+)([smhdwMy]))?$`)
	lastNDays    = regexp.MustCompile(`^last(\d+)days$`)
)

// dateValue is a resolved date literal. A span covers [Start, End); an
// instant has Start == End.
type dateValue struct {
	Start time.Time
	End   time.Time
}

func (d dateValue) instant() bool { return d.Start.Equal(d.End) }

// parseDate resolves a date literal relative to now.
func parseDate(raw string, now time.Time) (dateValue, error) {
	s := strings.TrimSpace(raw)
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch strings.ToLower(s) {
	case "today":
		return dateValue{Start: midnight, End: midnight.AddDate(0, 0, 1)}, nil
	case "yesterday":
		return dateValue{Start: midnight.AddDate(0, 0, -1), End: midnight}, nil
	}

	if m := lastNDays.FindStringSubmatch(strings.ToLower(s)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return dateValue{}, fmt.Errorf("invalid day count in %q", raw)
		}
		return dateValue{Start: now.AddDate(0, 0, -n), End: now}, nil
	}

	if m := relativeDate.FindStringSubmatch(s); m != nil {
		if m[1] == "" {
			return dateValue{Start: now, End: now}, nil
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return dateValue{}, fmt.Errorf("invalid offset in %q", raw)
		}
		if m[1] == "-" {
			n = -n
		}
		t := shiftDate(now, n, m[3])
		return dateValue{Start: t, End: t}, nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return dateValue{Start: t, End: t}, nil
		}
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return dateValue{Start: t, End: t.AddDate(0, 0, 1)}, nil
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return dateValue{Start: t, End: t.AddDate(0, 1, 0)}, nil
	}
	if len(s) == 4 {
		if t, err := time.Parse("2006", s); err == nil {
			return dateValue{Start: t, End: t.AddDate(1, 0, 0)}, nil
		}
	}
	return dateValue{}, fmt.Errorf("unrecognized date %q", raw)
}

func shiftDate(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "s":
		return t.Add(time.Duration(n) * time.Second)
	case "m":
		return t.Add(time.Duration(n) * time.Minute)
	case "h":
		return t.Add(time.Duration(n) * time.Hour)
	case "d":
		return t.AddDate(0, 0, n)
	case "w":
		return t.AddDate(0, 0, 7*n)
	case "M":
		return t.AddDate(0, n, 0)
	default: // "y"
		return t.AddDate(n, 0, 0)
	}
}

// dateCompare builds the range for a comparison against a date literal.
func dateCompare(field, op string, d dateValue) *RangeNode {
	n := &RangeNode{Field: field}
	switch op {
	case ">":
		if d.instant() {
			n.Low = Bound{Value: formatTime(d.Start)}
		} else {
			n.Low = Bound{Value: formatTime(d.End), Inclusive: true}
		}
	case ">=":
		n.Low = Bound{Value: formatTime(d.Start), Inclusive: true}
	case "<":
		n.High = Bound{Value: formatTime(d.Start)}
	case "<=":
		if d.instant() {
			n.High = Bound{Value: formatTime(d.Start), Inclusive: true}
		} else {
			n.High = Bound{Value: formatTime(d.End)}
		}
	default: // "="
		n.Low = Bound{Value: formatTime(d.Start), Inclusive: true}
		if d.instant() {
			n.High = Bound{Value: formatTime(d.Start), Inclusive: true}
		} else {
			n.High = Bound{Value: formatTime(d.End)}
		}
	}
	return n
}

// dateRange builds [low TO high] / {low TO high} over date literals. Either
// side may be nil for an open bound.
func dateRange(field string, low, high *dateValue, incLow, incHigh bool) *RangeNode {
	n := &RangeNode{Field: field}
	if low != nil {
		if incLow || low.instant() {
			n.Low = Bound{Value: formatTime(low.Start), Inclusive: incLow}
		} else {
			n.Low = Bound{Value: formatTime(low.End), Inclusive: true}
		}
	}
	if high != nil {
		switch {
		case !incHigh:
			n.High = Bound{Value: formatTime(high.Start)}
		case high.instant():
			n.High = Bound{Value: formatTime(high.Start), Inclusive: true}
		default:
			n.High = Bound{Value: formatTime(high.End)}
		}
	}
	return n
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseBoundTime(b Bound) time.Time {
	if b.Value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, b.Value)
	if err != nil {
		return time.Time{}
	}
	return t
}
