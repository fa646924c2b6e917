package testfixtures

import (
	"sync"
	"testing"
)

func TestIDGeneratorSequence(t *testing.T) {
	gen := NewIDGenerator("session")
	if last := gen.Last(); last != "" {
		t.Fatalf("expected no id before the first call, got %q", last)
	}

	first, second := gen.Next(), gen.Next()
	if first != "session-1" || second != "session-2" {
		t.Fatalf("unexpected identifiers: %q, %q", first, second)
	}
	if gen.Last() != second {
		t.Fatalf("Last = %q, want %q", gen.Last(), second)
	}
}

func TestIDGeneratorIsSafeForConcurrentUse(t *testing.T) {
	gen := NewIDGenerator("")
	var wg sync.WaitGroup
	seen := sync.Map{}
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Next()
			if _, dup := seen.LoadOrStore(id, true); dup {
				t.Errorf("duplicate id %q", id)
			}
		}()
	}
	wg.Wait()

	if gen.Last() != "id-50" {
		t.Fatalf("expected id-50 after 50 calls, got %q", gen.Last())
	}
}
