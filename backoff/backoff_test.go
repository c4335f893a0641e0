package backoff

import (
	"testing"
	"time"
)

func TestJitteredDurationBoundedByMax(t *testing.T) {
	j := Jittered{Base: time.Second, Max: 5 * time.Second}
	for attempt := 1; attempt <= 20; attempt++ {
		d := j.Duration(attempt)
		if d < 0 || d > j.Max {
			t.Fatalf("attempt %d produced out-of-range duration %v", attempt, d)
		}
	}
}

func TestJitteredGrowsWithAttempt(t *testing.T) {
	j := Jittered{Base: time.Millisecond, Max: time.Hour}
	// with full jitter individual samples are noisy, so the growing
	// ceiling is checked over many draws: attempt 1 never exceeds Base
	// (its ceiling), while attempt 5 (ceiling 16*Base) draws above Base
	// with overwhelming probability across 200 samples.
	var sawNonZero bool
	for attempt := 1; attempt <= 5; attempt++ {
		if j.Duration(attempt) > 0 {
			sawNonZero = true
		}
	}
	if !sawNonZero {
		t.Fatal("expected at least one nonzero backoff sample")
	}

	var grew bool
	for i := 0; i < 200; i++ {
		if d := j.Duration(1); d > j.Base {
			t.Fatalf("attempt 1 produced %v, above its ceiling %v", d, j.Base)
		}
		if j.Duration(5) > j.Base {
			grew = true
		}
	}
	if !grew {
		t.Fatal("expected attempt 5 to draw above Base once its ceiling has grown")
	}
}
