package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("primary", BreakerConfig{})
	if b.cfg.TripAfter != DefaultTripAfter {
		t.Errorf("TripAfter = %d, want %d", b.cfg.TripAfter, DefaultTripAfter)
	}
	if b.cfg.RetryAfter != DefaultRetryAfter {
		t.Errorf("RetryAfter = %v, want %v", b.cfg.RetryAfter, DefaultRetryAfter)
	}
	if b.cfg.ProbeQuota != DefaultProbeQuota {
		t.Errorf("ProbeQuota = %d, want %d", b.cfg.ProbeQuota, DefaultProbeQuota)
	}
	if got := b.Phase(); got != "closed" {
		t.Errorf("initial phase = %s, want closed", got)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker("primary", BreakerConfig{TripAfter: 3, RetryAfter: time.Hour})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("call %d rejected while closed", i)
		}
		b.Record(errBackend)
	}
	if got := b.Phase(); got != "closed" {
		t.Fatalf("phase after 2 failures = %s, want closed", got)
	}

	b.Allow()
	b.Record(errBackend)
	if got := b.Phase(); got != "open" {
		t.Fatalf("phase after 3 failures = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call before the cool-down")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker("primary", BreakerConfig{TripAfter: 2, RetryAfter: time.Hour})

	b.Allow()
	b.Record(errBackend)
	b.Allow()
	b.Record(nil)
	b.Allow()
	b.Record(errBackend)

	// The success between the two failures keeps the streak below the trip
	// threshold.
	if got := b.Phase(); got != "closed" {
		t.Fatalf("phase = %s, want closed", got)
	}
}

func TestBreakerProbesAfterCoolDown(t *testing.T) {
	t.Parallel()

	b := NewBreaker("primary", BreakerConfig{
		TripAfter:  1,
		RetryAfter: 10 * time.Millisecond,
		ProbeQuota: 2,
	})

	b.Allow()
	b.Record(errBackend)
	if b.Allow() {
		t.Fatal("open breaker admitted a call before the cool-down")
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.Phase(); got != "probing" {
		t.Fatalf("phase after cool-down = %s, want probing", got)
	}

	// The quota bounds admitted probes; successful probes close the circuit.
	if !b.Allow() || !b.Allow() {
		t.Fatal("probe calls rejected inside the quota")
	}
	if b.Allow() {
		t.Fatal("probe call admitted beyond the quota")
	}
	b.Record(nil)
	b.Record(nil)
	if got := b.Phase(); got != "closed" {
		t.Fatalf("phase after successful probes = %s, want closed", got)
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker("primary", BreakerConfig{
		TripAfter:  1,
		RetryAfter: 10 * time.Millisecond,
	})

	b.Allow()
	b.Record(errBackend)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe call rejected after the cool-down")
	}
	b.Record(errBackend)
	if got := b.Phase(); got != "open" {
		t.Fatalf("phase after failed probe = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("re-opened breaker admitted a call")
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker("primary", BreakerConfig{TripAfter: 1, RetryAfter: time.Hour})
	b.Allow()
	b.Record(errBackend)
	if got := b.Phase(); got != "open" {
		t.Fatalf("phase = %s, want open", got)
	}

	b.Reset()
	if got := b.Phase(); got != "closed" {
		t.Fatalf("phase after reset = %s, want closed", got)
	}
	if !b.Allow() {
		t.Fatal("reset breaker rejected a call")
	}
}
