package recurrence

import (
	"testing"
	"time"
)

func BenchmarkEngineGenerateOccurrences(b *testing.B) {
	engine := NewEngine(nil)
	baseStart := time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)
	baseEnd := baseStart.Add(90 * time.Minute)

	rangeStart := baseStart
	rangeEnd := baseStart.AddDate(0, 3, 0)
	rule := Rule{EventID: "event-1", RRule: "RRULE:FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		occurrences, err := engine.GenerateOccurrences(rule, baseStart, baseEnd, GenerateOptions{RangeStart: &rangeStart, RangeEnd: &rangeEnd})
		if err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
		if len(occurrences) == 0 {
			b.Fatal("expected occurrences to be generated")
		}
	}
}
