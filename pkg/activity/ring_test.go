package activity

import (
	"fmt"
	"testing"
	"time"
)

func TestRingKeepsInsertionOrder(t *testing.T) {
	r := NewRing[int](4)
	for i := 0; i < 3; i++ {
		if r.Push(i) {
			t.Fatalf("Push(%d) evicted below capacity", i)
		}
	}
	got := r.Values()
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("Values = %v, want [0 1 2]", got)
	}
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 0; i < 5; i++ {
		r.Push(i)
	}
	got := r.Values()
	want := []int{2, 3, 4}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Values = %v, want %v", got, want)
	}
	if r.Len() != r.Cap() {
		t.Fatalf("Len = %d, want %d", r.Len(), r.Cap())
	}
}

func TestLogCapacities(t *testing.T) {
	l := NewLog()
	m := NewMiningLog()
	now := time.Now()
	for i := 0; i < 1000; i++ {
		l.Push(Entry{Text: fmt.Sprint(i), Timestamp: now, Kind: KindSystem})
		m.Push(MiningEntry{Nonce: fmt.Sprint(i)})
	}
	if l.Len() != LogCapacity {
		t.Fatalf("log Len = %d, want %d", l.Len(), LogCapacity)
	}
	if m.Len() != MiningCapacity {
		t.Fatalf("mining Len = %d, want %d", m.Len(), MiningCapacity)
	}
	if first := l.Values()[0].Text; first != "800" {
		t.Fatalf("oldest log entry = %q, want 800", first)
	}
	if first := m.Values()[0].Nonce; first != "950" {
		t.Fatalf("oldest mining entry = %q, want 950", first)
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing[string](2)
	r.Push("a")
	r.Clear()
	if r.Len() != 0 || len(r.Values()) != 0 {
		t.Fatalf("ring not empty after Clear")
	}
}
