// Package interval implements the half-open time interval algebra used to
// track data coverage. An interval [Start, End) includes Start and excludes
// End, so adjacent intervals tile a timeline without overlap.
package interval

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a half-open time range [Start, End). Start must precede End.
type Interval struct {
	Start time.Time
	End   time.Time
}

// New constructs an interval, rejecting empty or inverted ranges.
func New(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("interval: start %s must precede end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

// MustNew is New for statically known bounds; it panics on invalid input.
func MustNew(start, end time.Time) Interval {
	iv, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return iv
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// IsZero reports whether the interval is the zero value.
func (iv Interval) IsZero() bool {
	return iv.Start.IsZero() && iv.End.IsZero()
}

// Contains reports whether t falls inside [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Overlaps reports whether the two intervals share at least one instant.
// Touching endpoints do not overlap under half-open semantics.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Adjacent reports whether the two intervals touch with no gap between them.
func (iv Interval) Adjacent(other Interval) bool {
	return iv.End.Equal(other.Start) || other.End.Equal(iv.Start)
}

// Within reports whether the gap between the two intervals is at most gap.
// Overlapping or adjacent intervals are always within any non-negative gap.
func (iv Interval) Within(other Interval, gap time.Duration) bool {
	if iv.Overlaps(other) || iv.Adjacent(other) {
		return true
	}
	if iv.End.Before(other.Start) {
		return other.Start.Sub(iv.End) <= gap
	}
	if other.End.Before(iv.Start) {
		return iv.Start.Sub(other.End) <= gap
	}
	return false
}

// Merge returns the union of two intervals that overlap, touch, or sit
// within gap of each other. Merging disjoint intervals beyond the allowed
// gap is a programming error.
func (iv Interval) Merge(other Interval, gap time.Duration) (Interval, error) {
	if !iv.Within(other, gap) {
		return Interval{}, fmt.Errorf("interval: cannot merge disjoint intervals %s and %s", iv, other)
	}
	merged := iv
	if other.Start.Before(merged.Start) {
		merged.Start = other.Start
	}
	if other.End.After(merged.End) {
		merged.End = other.End
	}
	return merged, nil
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// Subtract returns the sub-intervals of window not covered by any interval
// in covered. The covered list must be sorted by start; intervals outside
// the window are ignored and partial overlaps are clipped. An empty covered
// list yields the whole window.
func Subtract(window Interval, covered []Interval) []Interval {
	var gaps []Interval
	cursor := window.Start
	for _, c := range covered {
		if !c.End.After(cursor) {
			continue
		}
		if !c.Start.Before(window.End) {
			break
		}
		if c.Start.After(cursor) {
			end := c.Start
			if end.After(window.End) {
				end = window.End
			}
			if cursor.Before(end) {
				gaps = append(gaps, Interval{Start: cursor, End: end})
			}
		}
		if c.End.After(cursor) {
			cursor = c.End
		}
		if !cursor.Before(window.End) {
			return gaps
		}
	}
	if cursor.Before(window.End) {
		gaps = append(gaps, Interval{Start: cursor, End: window.End})
	}
	return gaps
}

// Normalize sorts intervals by start and coalesces any that overlap or
// touch, returning the minimal equivalent set.
func Normalize(ivs []Interval) []Interval {
	if len(ivs) <= 1 {
		return append([]Interval(nil), ivs...)
	}
	sorted := append([]Interval(nil), ivs...)
	SortByStart(sorted)
	out := sorted[:1]
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Overlaps(iv) || last.Adjacent(iv) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// SortByStart orders intervals by start time, then end time, in place.
func SortByStart(ivs []Interval) {
	sort.Slice(ivs, func(i, j int) bool {
		if ivs[i].Start.Equal(ivs[j].Start) {
			return ivs[i].End.Before(ivs[j].End)
		}
		return ivs[i].Start.Before(ivs[j].Start)
	})
}
