package slaveclient

import (
	"testing"
	"time"
)

func TestNextDelayDoublesUpToMax(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	cases := []struct {
		attempt  int
		wantBase time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 8 * time.Second}, // capped
	}
	for _, tc := range cases {
		d := nextDelay(tc.attempt, base, max)
		if d < tc.wantBase || d >= tc.wantBase+time.Second {
			t.Fatalf("attempt=%d: delay=%v, want in [%v, %v)", tc.attempt, d, tc.wantBase, tc.wantBase+time.Second)
		}
	}
}

func TestNextDelayNeverExceedsMaxPlusJitter(t *testing.T) {
	max := 5 * time.Second
	for attempt := 0; attempt < 20; attempt++ {
		d := nextDelay(attempt, time.Second, max)
		if d > max+time.Second {
			t.Fatalf("attempt=%d: delay=%v exceeds max+jitter bound %v", attempt, d, max+time.Second)
		}
	}
}

func TestNextDelayZeroBaseDefaultsToOneSecond(t *testing.T) {
	d := nextDelay(0, 0, 10*time.Second)
	if d < time.Second || d >= 2*time.Second {
		t.Fatalf("delay = %v, want in [1s, 2s)", d)
	}
}
