package jobs

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffDoublesPerAttemptWithinJitterBand(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := 60 * time.Second
	cap := 600 * time.Second

	for attempt := 0; attempt < 4; attempt++ {
		want := base << attempt
		if want > cap {
			want = cap
		}
		for i := 0; i < 50; i++ {
			got := Backoff(base, cap, attempt, rng)
			lo := time.Duration(float64(want) * 0.5)
			hi := time.Duration(float64(want) * 1.5)
			if got < lo || got >= hi {
				t.Fatalf("attempt %d: backoff %s outside [%s, %s)", attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cap := 600 * time.Second
	// Attempt 10 would be 60s * 2^10 without the cap.
	got := Backoff(60*time.Second, cap, 10, rng)
	if got >= time.Duration(float64(cap)*1.5) {
		t.Fatalf("backoff %s exceeds jittered cap", got)
	}
}

func TestBackoffDefendsDegenerateInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if got := Backoff(0, 0, -3, rng); got <= 0 {
		t.Fatalf("degenerate inputs must still yield a positive delay, got %s", got)
	}
}
