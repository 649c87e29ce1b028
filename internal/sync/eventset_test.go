package sync

import (
	"fmt"
	"testing"
)

func TestSentEventSetAddAndContains(t *testing.T) {
	s := newSentEventSet()
	s.Add("a")
	if !s.Contains("a") {
		t.Fatal("want added id to be contained")
	}
	if s.Contains("b") {
		t.Fatal("want unknown id to be absent")
	}
}

func TestSentEventSetEvictsOldestOverCapacity(t *testing.T) {
	s := newSentEventSet()
	s.cap = 3
	for i := 0; i < 4; i++ {
		s.Add(fmt.Sprintf("id-%d", i))
	}
	if s.Contains("id-0") {
		t.Fatal("want oldest id evicted once over capacity")
	}
	for i := 1; i < 4; i++ {
		if !s.Contains(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("want id-%d retained", i)
		}
	}
}

func TestSentEventSetAddIsIdempotent(t *testing.T) {
	s := newSentEventSet()
	s.cap = 2
	s.Add("a")
	s.Add("a")
	s.Add("b")
	// Re-adding "a" must not have consumed a second slot.
	if !s.Contains("a") || !s.Contains("b") {
		t.Fatal("want both distinct ids retained after duplicate add")
	}
}
