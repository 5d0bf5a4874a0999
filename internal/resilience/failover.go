package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kyralabs/toolgate/pkg/provider/llm"
)

// ErrNoHealthyBackend is returned when every backend in a [Failover] chain
// either failed or has an open circuit.
var ErrNoHealthyBackend = errors.New("resilience: no healthy llm backend")

// Failover implements [llm.Provider] over an ordered chain of backends, each
// guarded by its own [Breaker]. The primary is tried first; on failure or an
// open circuit the next backend takes the request. With a single backend it
// degrades to plain circuit breaking, which still keeps a flapping provider
// from stalling every agent turn until the request deadline.
//
// The chain is assembled at wiring time; AddFallback must not be called once
// requests are flowing.
type Failover struct {
	cfg     BreakerConfig
	entries []failoverEntry
}

type failoverEntry struct {
	provider llm.Provider
	breaker  *Breaker
}

var _ llm.Provider = (*Failover)(nil)

// NewFailover creates a chain with primary as the preferred backend.
func NewFailover(primary llm.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.AddFallback(primary)
	return f
}

// AddFallback appends a backend, tried after the ones already registered.
func (f *Failover) AddFallback(p llm.Provider) {
	f.entries = append(f.entries, failoverEntry{
		provider: p,
		breaker:  NewBreaker(p.Name(), f.cfg),
	})
}

// Name returns the primary backend's name.
func (f *Failover) Name() string { return f.entries[0].provider.Name() }

// Complete sends req to the first healthy backend and returns its response.
// Context errors abort the chain without charging the backend's breaker: the
// caller's budget expiring says nothing about backend health.
func (f *Failover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		if !e.breaker.Allow() {
			slog.Debug("skipping llm backend, circuit open", "backend", e.provider.Name())
			continue
		}

		resp, err := e.provider.Complete(ctx, req)
		if err == nil {
			e.breaker.Record(nil)
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		e.breaker.Record(err)
		lastErr = err
		slog.Warn("llm backend failed, trying next",
			"backend", e.provider.Name(), "error", err)
	}

	if lastErr == nil {
		return nil, ErrNoHealthyBackend
	}
	return nil, fmt.Errorf("%w: %v", ErrNoHealthyBackend, lastErr)
}
