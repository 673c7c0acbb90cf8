package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/lenslab/lenscloud/internal/resilience"
)

func TestBreaker_TripsAtThreshold(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "test",
		Threshold: 3,
		Window:    time.Minute,
		CoolDown:  time.Minute,
	})

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() before failures: %v", err)
	}

	b.RecordFailure()
	b.RecordFailure()
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() below threshold: %v", err)
	}

	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Allow() after threshold = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_ClosesAfterCoolDown(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "test",
		Threshold: 1,
		Window:    time.Minute,
		CoolDown:  20 * time.Millisecond,
	})

	b.RecordFailure()
	if !b.Open() {
		t.Fatal("breaker should be open after threshold failure")
	}

	time.Sleep(30 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cool-down: %v", err)
	}
}

func TestBreaker_WindowSlides(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "test",
		Threshold: 2,
		Window:    10 * time.Millisecond,
		CoolDown:  time.Minute,
	})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	// The first failure has slid out; this one alone must not trip.
	b.RecordFailure()

	if b.Open() {
		t.Fatal("breaker tripped on failures outside a shared window")
	}
}
