package scheduler

import (
	"sort"
	"time"
)

// Slot is a free interval of exactly the requested duration.
type Slot struct {
	Start time.Time
	End   time.Time
	// BufferAdjusted is set when the slot start was pushed back by the minimum gap.
	BufferAdjusted bool
}

// SlotOptions tunes slot generation.
type SlotOptions struct {
	Duration time.Duration
	// Enumerate emits every sub-slot of a gap, stepping by Step, instead of
	// only the earliest fit.
	Enumerate bool
	// Step defaults to Duration and is never smaller than it.
	Step time.Duration
	// Buffer is a minimum gap enforced on both sides of every busy interval.
	Buffer   time.Duration
	Location *time.Location
}

// FreeGaps subtracts busy time from the window and returns the remaining free
// ranges in order. Busy intervals are widened by buffer on both sides.
func FreeGaps(window Interval, busy []Interval, buffer time.Duration) []Interval {
	gaps, _ := freeGaps(window, busy, buffer)
	return gaps
}

func freeGaps(window Interval, busy []Interval, buffer time.Duration) ([]Interval, []bool) {
	if window.Empty() {
		return nil, nil
	}

	widened := make([]Interval, 0, len(busy))
	for _, b := range busy {
		if b.Empty() {
			continue
		}
		if buffer > 0 {
			b.Start = b.Start.Add(-buffer)
			b.End = b.End.Add(buffer)
		}
		widened = append(widened, b)
	}
	merged := Merge(widened)

	var (
		gaps     []Interval
		adjusted []bool
	)
	cursor := window.Start
	cursorAdjusted := false
	for _, b := range merged {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) {
			gaps = append(gaps, Interval{Start: cursor, End: b.Start})
			adjusted = append(adjusted, cursorAdjusted)
		}
		cursor = b.End
		cursorAdjusted = buffer > 0
	}
	if cursor.Before(window.End) {
		gaps = append(gaps, Interval{Start: cursor, End: window.End})
		adjusted = append(adjusted, cursorAdjusted)
	}
	return gaps, adjusted
}

// Slots computes candidate slots inside the window that avoid every busy
// interval. The result is ordered by start and free of overlaps. A zero-length
// window or non-positive duration yields no slots.
func Slots(window Interval, busy []Interval, opts SlotOptions) []Slot {
	if window.Empty() || opts.Duration <= 0 {
		return nil
	}

	step := opts.Step
	if step < opts.Duration {
		step = opts.Duration
	}

	gaps, adjusted := freeGaps(window, busy, opts.Buffer)

	var slots []Slot
	for i, gap := range gaps {
		if gap.Duration() < opts.Duration {
			continue
		}
		for start := gap.Start; !start.Add(opts.Duration).After(gap.End); start = start.Add(step) {
			slots = append(slots, Slot{
				Start:          start,
				End:            start.Add(opts.Duration),
				BufferAdjusted: adjusted[i] && start.Equal(gap.Start),
			})
			if !opts.Enumerate {
				break
			}
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return !slots[i].BufferAdjusted && slots[j].BufferAdjusted
	})

	result := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if n := len(result); n > 0 && s.Start.Before(result[n-1].End) {
			continue
		}
		if opts.Location != nil {
			s.Start = s.Start.In(opts.Location)
			s.End = s.End.In(opts.Location)
		}
		result = append(result, s)
	}
	return result
}

// AllDay widens an all-day entry to cover whole calendar days in loc.
// An entry whose end does not pass its start covers its start day.
func AllDay(start, end time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	first := startOfDay(start.In(loc))
	last := first
	if end.After(start) {
		last = startOfDay(end.Add(-time.Nanosecond).In(loc))
	}
	return first, last.AddDate(0, 0, 1)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
