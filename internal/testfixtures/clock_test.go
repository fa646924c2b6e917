package testfixtures

import (
	"testing"
	"time"
)

func TestClockStartsAtReferenceTime(t *testing.T) {
	clock := NewClock(time.Time{})
	if !clock.Now().Equal(ReferenceTime()) {
		t.Fatalf("expected ReferenceTime, got %v", clock.Now())
	}
}

func TestClockAdvanceIsSeenThroughNowFunc(t *testing.T) {
	start := time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)
	clock := NewClock(start)
	now := clock.NowFunc()

	if got := clock.Advance(25 * time.Hour); !got.Equal(start.Add(25 * time.Hour)) {
		t.Fatalf("advance returned %v", got)
	}
	if got := now(); !got.Equal(start.Add(25 * time.Hour)) {
		t.Fatalf("NowFunc did not follow the clock: %v", got)
	}

	clock.Set(start)
	if got := now(); !got.Equal(start) {
		t.Fatalf("expected %v after Set, got %v", start, got)
	}
}

func TestClockAt(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	clock := NewClock(time.Date(2025, time.January, 31, 23, 30, 0, 0, tokyo))

	got := clock.At(1, 10, 15)
	want := time.Date(2025, time.February, 1, 10, 15, 0, 0, tokyo)
	if !got.Equal(want) || got.Location() != tokyo {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if today := clock.At(0, 9, 0); today.Day() != 31 {
		t.Fatalf("expected same day, got %v", today)
	}
}

func TestNilClockFallsBackToWallTime(t *testing.T) {
	var clock *Clock
	before := time.Now()
	if got := clock.NowFunc()(); got.Before(before) {
		t.Fatalf("expected wall time, got %v", got)
	}
}
