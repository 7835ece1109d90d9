package job

import (
	"reflect"
	"testing"
)

func TestLogRingChronologicalBeforeWrap(t *testing.T) {
	r := newLogRing(5)
	r.push("a")
	r.push("b")
	r.push("c")
	got := r.snapshot()
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot() = %v, want %v", got, want)
	}
}

func TestLogRingWrapsAndKeepsChronology(t *testing.T) {
	r := newLogRing(3)
	for _, l := range []string{"1", "2", "3", "4", "5"} {
		r.push(l)
	}
	got := r.snapshot()
	want := []string{"3", "4", "5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot() = %v, want %v", got, want)
	}
}

func TestLogRingPushAll(t *testing.T) {
	r := newLogRing(4)
	r.pushAll([]string{"a", "b", "c"})
	if got := r.snapshot(); len(got) != 3 {
		t.Fatalf("want 3 lines, got %d: %v", len(got), got)
	}
}

func TestLogRingMinimumCapacity(t *testing.T) {
	r := newLogRing(0)
	r.push("only")
	r.push("replaces")
	got := r.snapshot()
	if len(got) != 1 || got[0] != "replaces" {
		t.Fatalf("capacity-1 ring should keep only the latest line, got %v", got)
	}
}
