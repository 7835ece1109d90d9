package stage

import (
	"testing"
	"time"
)

func TestEffectiveTimeoutOverrideWins(t *testing.T) {
	override := 5 * time.Minute
	got := effectiveTimeout(override, 30*time.Minute, nil)
	if got != override {
		t.Fatalf("got %v, want override %v", got, override)
	}
}

func TestEffectiveTimeoutUnknownSizeFallsBackToBase(t *testing.T) {
	base := 30 * time.Minute
	if got := effectiveTimeout(0, base, nil); got != base {
		t.Fatalf("got %v, want base %v", got, base)
	}
	zero := int64(0)
	if got := effectiveTimeout(0, base, &zero); got != base {
		t.Fatalf("got %v, want base %v for zero-size image", got, base)
	}
}

func TestEffectiveTimeoutScalesWithSize(t *testing.T) {
	base := 30 * time.Minute
	gib := int64(1) << 30

	oneGiB := gib
	if got := effectiveTimeout(0, base, &oneGiB); got != base {
		t.Fatalf("1 GiB should scale to exactly 1x base, got %v", got)
	}

	threeGiB := 3 * gib
	want := 3 * base
	if got := effectiveTimeout(0, base, &threeGiB); got != want {
		t.Fatalf("3 GiB should scale to 3x base, got %v want %v", got, want)
	}

	justOverTwoGiB := 2*gib + 1
	want = 3 * base // rounds up to the next whole GiB unit
	if got := effectiveTimeout(0, base, &justOverTwoGiB); got != want {
		t.Fatalf("just over 2 GiB should round up to 3x base, got %v want %v", got, want)
	}
}
