package scheduler

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, time.March, 10, hour, minute, 0, 0, time.UTC)
}

func TestDetectConflicts(t *testing.T) {
	t.Parallel()

	busy := []Interval{
		{Start: at(10, 0), End: at(11, 0), UserID: "coach-1", Source: SourceSession, RefID: "session-self"},
		{Start: at(10, 0), End: at(10, 45), UserID: "coach-1", Source: SourceSession, RefID: "session-other"},
		{Start: at(14, 0), End: at(15, 0), UserID: "client-1", Source: SourceBlockedEvent, RefID: "event-1"},
	}

	t.Run("overlap with another session is reported", func(t *testing.T) {
		t.Parallel()

		candidate := Interval{Start: at(10, 30), End: at(11, 30)}
		conflicts := DetectConflicts(busy, candidate, "session-self")
		if len(conflicts) != 1 {
			t.Fatalf("expected one conflict, got %d: %+v", len(conflicts), conflicts)
		}
		if conflicts[0].RefID != "session-other" {
			t.Fatalf("expected conflict with session-other, got %q", conflicts[0].RefID)
		}
		if !conflicts[0].Start.Equal(at(10, 0)) || !conflicts[0].End.Equal(at(10, 45)) {
			t.Fatalf("unexpected conflict bounds %v-%v", conflicts[0].Start, conflicts[0].End)
		}
	})

	t.Run("touching intervals do not conflict", func(t *testing.T) {
		t.Parallel()

		candidate := Interval{Start: at(15, 0), End: at(16, 0)}
		if conflicts := DetectConflicts(busy, candidate); len(conflicts) != 0 {
			t.Fatalf("expected no conflicts, got %+v", conflicts)
		}
	})

	t.Run("empty candidate never conflicts", func(t *testing.T) {
		t.Parallel()

		candidate := Interval{Start: at(10, 15), End: at(10, 15)}
		if conflicts := DetectConflicts(busy, candidate); conflicts != nil {
			t.Fatalf("expected nil conflicts, got %+v", conflicts)
		}
	})
}

func TestMerge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []Interval
		want  [][2]time.Time
	}{
		{
			name: "overlapping and adjacent ranges coalesce",
			input: []Interval{
				{Start: at(11, 0), End: at(12, 0)},
				{Start: at(9, 0), End: at(10, 0)},
				{Start: at(10, 0), End: at(10, 30)},
				{Start: at(11, 30), End: at(13, 0)},
			},
			want: [][2]time.Time{{at(9, 0), at(10, 30)}, {at(11, 0), at(13, 0)}},
		},
		{
			name: "contained range is absorbed",
			input: []Interval{
				{Start: at(9, 0), End: at(17, 0)},
				{Start: at(12, 0), End: at(13, 0)},
			},
			want: [][2]time.Time{{at(9, 0), at(17, 0)}},
		},
		{
			name:  "empty ranges are dropped",
			input: []Interval{{Start: at(9, 0), End: at(9, 0)}},
			want:  nil,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Merge(tc.input)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d intervals, got %d: %+v", len(tc.want), len(got), got)
			}
			for i := range got {
				if !got[i].Start.Equal(tc.want[i][0]) || !got[i].End.Equal(tc.want[i][1]) {
					t.Fatalf("interval %d: expected %v-%v, got %v-%v", i, tc.want[i][0], tc.want[i][1], got[i].Start, got[i].End)
				}
			}
		})
	}
}

func TestUnionCombinesParties(t *testing.T) {
	t.Parallel()

	coach := Merge([]Interval{{Start: at(9, 0), End: at(10, 0), UserID: "coach"}})
	client := Merge([]Interval{{Start: at(9, 30), End: at(11, 0), UserID: "client"}})

	got := Union(coach, client)
	if len(got) != 1 {
		t.Fatalf("expected a single merged interval, got %+v", got)
	}
	if !got[0].Start.Equal(at(9, 0)) || !got[0].End.Equal(at(11, 0)) {
		t.Fatalf("unexpected union %v-%v", got[0].Start, got[0].End)
	}
	if got[0].UserID != "" {
		t.Fatalf("expected shared interval to drop owner, got %q", got[0].UserID)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()

	window := Interval{Start: at(9, 0), End: at(17, 0)}
	got := Clip([]Interval{
		{Start: at(8, 0), End: at(9, 30)},
		{Start: at(16, 30), End: at(18, 0)},
		{Start: at(18, 0), End: at(19, 0)},
	}, window)

	if len(got) != 2 {
		t.Fatalf("expected two clipped intervals, got %+v", got)
	}
	if !got[0].Start.Equal(at(9, 0)) || !got[1].End.Equal(at(17, 0)) {
		t.Fatalf("unexpected clipping result %+v", got)
	}
}
