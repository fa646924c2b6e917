package scheduler

import (
	"sort"
	"time"
)

// SourceKind identifies where a busy interval came from.
type SourceKind string

const (
	// SourceSession marks an interval derived from an internal coaching session.
	SourceSession SourceKind = "session"
	// SourceBlockedEvent marks externally-owned busy time mirrored from a calendar.
	SourceBlockedEvent SourceKind = "blocked_event"
	// SourceCoachingEvent marks a calendar mirror of a coaching session.
	SourceCoachingEvent SourceKind = "coaching_event"
)

// Interval is a half-open [Start, End) range of busy time owned by one party.
type Interval struct {
	Start  time.Time
	End    time.Time
	UserID string
	Source SourceKind
	RefID  string
}

// Duration returns the length of the interval.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Empty reports whether the interval covers no time.
func (i Interval) Empty() bool {
	return !i.End.After(i.Start)
}

// Overlaps reports whether the two half-open intervals share any instant.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// In returns a copy of the interval with both bounds expressed in loc.
func (i Interval) In(loc *time.Location) Interval {
	if loc == nil {
		return i
	}
	i.Start = i.Start.In(loc)
	i.End = i.End.In(loc)
	return i
}

// DetectConflicts returns every busy interval that overlaps the candidate,
// skipping intervals whose RefID matches one of the excluded ids. Results are
// ordered by start, then reference id.
func DetectConflicts(busy []Interval, candidate Interval, excludeRefIDs ...string) []Interval {
	if candidate.Empty() {
		return nil
	}

	excluded := make(map[string]struct{}, len(excludeRefIDs))
	for _, id := range excludeRefIDs {
		if id != "" {
			excluded[id] = struct{}{}
		}
	}

	var conflicts []Interval
	for _, b := range busy {
		if b.Empty() {
			continue
		}
		if _, skip := excluded[b.RefID]; skip {
			continue
		}
		if b.Overlaps(candidate) {
			conflicts = append(conflicts, b)
		}
	}

	sortIntervals(conflicts)
	return conflicts
}

// Merge sorts intervals by start and coalesces overlapping or touching ranges.
// Merged intervals lose their per-source identity.
func Merge(intervals []Interval) []Interval {
	cleaned := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.Empty() {
			cleaned = append(cleaned, iv)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	sortIntervals(cleaned)

	merged := []Interval{{Start: cleaned[0].Start, End: cleaned[0].End, UserID: cleaned[0].UserID}}
	for _, iv := range cleaned[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			if last.UserID != iv.UserID {
				last.UserID = ""
			}
			continue
		}
		merged = append(merged, Interval{Start: iv.Start, End: iv.End, UserID: iv.UserID})
	}
	return merged
}

// Union merges several already-merged sets into a single merged set.
func Union(sets ...[]Interval) []Interval {
	var all []Interval
	for _, set := range sets {
		all = append(all, set...)
	}
	return Merge(all)
}

// Clip restricts each interval to the window, dropping those that fall outside it.
func Clip(intervals []Interval, window Interval) []Interval {
	var clipped []Interval
	for _, iv := range intervals {
		if !iv.Overlaps(window) {
			continue
		}
		if iv.Start.Before(window.Start) {
			iv.Start = window.Start
		}
		if iv.End.After(window.End) {
			iv.End = window.End
		}
		clipped = append(clipped, iv)
	}
	return clipped
}

func sortIntervals(intervals []Interval) {
	sort.SliceStable(intervals, func(i, j int) bool {
		if !intervals[i].Start.Equal(intervals[j].Start) {
			return intervals[i].Start.Before(intervals[j].Start)
		}
		if !intervals[i].End.Equal(intervals[j].End) {
			return intervals[i].End.Before(intervals[j].End)
		}
		return intervals[i].RefID < intervals[j].RefID
	})
}
