// Package resilience shields the agent loop from unstable LLM backends. A
// per-backend [Breaker] stops hammering a provider that keeps failing, and a
// [Failover] chain routes completions to the next healthy backend.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker defaults applied for zero-valued [BreakerConfig] fields.
const (
	DefaultTripAfter  = 5
	DefaultRetryAfter = 30 * time.Second
	DefaultProbeQuota = 3
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter int

	// RetryAfter is the cool-down after tripping before probe calls resume.
	RetryAfter time.Duration

	// ProbeQuota is how many consecutive probe calls must succeed before the
	// backend is considered healthy again.
	ProbeQuota int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter <= 0 {
		c.TripAfter = DefaultTripAfter
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = DefaultRetryAfter
	}
	if c.ProbeQuota <= 0 {
		c.ProbeQuota = DefaultProbeQuota
	}
	return c
}

type phase int

const (
	phaseClosed  phase = iota // calls flow, consecutive failures counted
	phaseOpen                 // calls rejected until the cool-down elapses
	phaseProbing              // limited calls admitted to test recovery
)

func (p phase) String() string {
	switch p {
	case phaseOpen:
		return "open"
	case phaseProbing:
		return "probing"
	default:
		return "closed"
	}
}

// Breaker is a consecutive-failure circuit breaker guarding one LLM backend.
// Callers ask [Breaker.Allow] before an attempt and report the outcome with
// [Breaker.Record]; the breaker moves between closed, open and probing based
// on those reports. Safe for concurrent use.
type Breaker struct {
	backend string
	cfg     BreakerConfig

	mu        sync.Mutex
	phase     phase
	fails     int       // consecutive failures while closed
	trippedAt time.Time // when the breaker last opened
	probes    int       // attempts admitted in the current probe phase
	probeOK   int       // probe attempts that succeeded
}

// NewBreaker creates a closed [Breaker] for the named backend.
func NewBreaker(backend string, cfg BreakerConfig) *Breaker {
	return &Breaker{backend: backend, cfg: cfg.withDefaults()}
}

// Allow reports whether a call may proceed. While open nothing is admitted
// until the cool-down elapses; then the breaker switches to probing and
// admits up to the probe quota.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case phaseOpen:
		if time.Since(b.trippedAt) < b.cfg.RetryAfter {
			return false
		}
		b.phase = phaseProbing
		b.probes = 1
		b.probeOK = 0
		slog.Info("llm backend entering probe phase", "backend", b.backend)
		return true

	case phaseProbing:
		if b.probes >= b.cfg.ProbeQuota {
			return false
		}
		b.probes++
		return true

	default:
		return true
	}
}

// Record reports the outcome of a call previously admitted by [Breaker.Allow].
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.trippedAt = time.Now()
		if b.phase == phaseProbing {
			// One failed probe re-opens immediately.
			b.phase = phaseOpen
			slog.Warn("llm backend failed its probe, circuit re-opened",
				"backend", b.backend)
			return
		}
		b.fails++
		if b.phase == phaseClosed && b.fails >= b.cfg.TripAfter {
			b.phase = phaseOpen
			slog.Warn("llm backend circuit opened",
				"backend", b.backend, "consecutive_failures", b.fails)
		}
		return
	}

	if b.phase == phaseProbing {
		b.probeOK++
		if b.probeOK >= b.cfg.ProbeQuota {
			b.phase = phaseClosed
			b.fails, b.probes, b.probeOK = 0, 0, 0
			slog.Info("llm backend recovered, circuit closed", "backend", b.backend)
		}
		return
	}
	b.fails = 0
}

// Phase returns the current phase name. An open breaker whose cool-down has
// elapsed reports "probing"; the transition itself happens on the next Allow.
func (b *Breaker) Phase() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == phaseOpen && time.Since(b.trippedAt) >= b.cfg.RetryAfter {
		return phaseProbing.String()
	}
	return b.phase.String()
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phaseClosed
	b.fails, b.probes, b.probeOK = 0, 0, 0
}
