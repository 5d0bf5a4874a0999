package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antzucaro/matchr"
)

// DefaultExecuteTimeout is the per-invocation deadline applied when the
// configuration does not override it.
const DefaultExecuteTimeout = 30 * time.Second

// maxSuggestionDistance is the Levenshtein cutoff for "did you mean"
// suggestions on unknown tool names.
const maxSuggestionDistance = 3

// Invocable is one resolvable tool: its registered name and invocation entry
// point. The registry's descriptors implement it.
type Invocable interface {
	ToolName() string
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Catalog resolves tool names to invocables and owns the reload decision.
// The registry loader implements it.
type Catalog interface {
	MaybeReload(ctx context.Context, force bool) error
	Lookup(name string) (Invocable, bool)
	Names() []string
}

// Dispatcher resolves invocation requests against the catalog and runs the
// tool handle on its own goroutine under the per-invocation deadline.
//
// Timeouts are cooperative: the handle receives a context that expires at the
// deadline, and the dispatcher returns a timeout error as soon as it elapses.
// A handle that ignores its context keeps its goroutine until it next
// suspends; the worker is abandoned, not killed, and any side effects it
// produced persist.
type Dispatcher struct {
	catalog Catalog
	timeout time.Duration

	// OnStart, when non-nil, is called once a tool name resolves, before the
	// handle runs. Used for the event feed.
	OnStart func(ctx context.Context, tool string)

	// OnInvocation, when non-nil, is called after every invocation with the
	// tool name, the terminal status ("ok" or the error kind), and the
	// observed duration. Used for metrics and the event feed.
	OnInvocation func(ctx context.Context, tool, status string, d time.Duration)
}

// NewDispatcher creates a Dispatcher over the given catalog. timeout ≤ 0
// falls back to [DefaultExecuteTimeout].
func NewDispatcher(catalog Catalog, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return &Dispatcher{catalog: catalog, timeout: timeout}
}

// Timeout returns the per-invocation deadline the dispatcher applies.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Execute runs the named tool with params. forceReload corresponds to the
// request-level reload override. The returned error, when non-nil, is always
// a [*Error].
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]any, forceReload bool) (any, error) {
	if err := d.catalog.MaybeReload(ctx, forceReload); err != nil {
		return nil, AsError(err)
	}

	inv, ok := d.catalog.Lookup(name)
	if !ok {
		names := d.catalog.Names()
		err := &Error{
			Kind:    KindNotFound,
			Message: "tool " + name + " is not registered",
			Fields:  map[string]any{"available_tools": names},
		}
		if s := closestName(name, names); s != "" {
			err.Fields["hint"] = "did you mean " + s + "?"
		}
		d.observe(ctx, name, string(KindNotFound), 0)
		return nil, err
	}

	if d.OnStart != nil {
		d.OnStart(ctx, name)
	}

	start := time.Now()
	result, err := d.run(ctx, inv, params)
	elapsed := time.Since(start)

	if err != nil {
		ke := AsError(err)
		d.observe(ctx, name, string(ke.Kind), elapsed)
		return nil, ke
	}
	d.observe(ctx, name, "ok", elapsed)
	return result, nil
}

type outcome struct {
	value any
	err   error
}

// run executes the handle on a worker goroutine and awaits completion under
// the dispatch deadline. Only the awaited handle counts against the
// deadline; resolution and reload checks happen on the caller. A panicking
// handle is contained on its worker and reported as an execution error.
func (d *Dispatcher) run(ctx context.Context, inv Invocable, params map[string]any) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &Error{
					Kind:    KindExecution,
					Message: fmt.Sprintf("tool %s panicked: %v", inv.ToolName(), r),
				}}
			}
		}()
		v, err := inv.Invoke(cctx, params)
		ch <- outcome{value: v, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		return o.value, nil
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{
				Kind:    KindTimeout,
				Message: "tool " + inv.ToolName() + " timed out after " + d.timeout.String(),
				Fields:  map[string]any{"timeout_seconds": d.timeout.Seconds()},
			}
		}
		return nil, &Error{Kind: KindExecution, Message: "invocation cancelled", Err: cctx.Err()}
	}
}

func (d *Dispatcher) observe(ctx context.Context, tool, status string, elapsed time.Duration) {
	if d.OnInvocation != nil {
		d.OnInvocation(ctx, tool, status, elapsed)
	}
}

// closestName returns the registered name nearest to name within the
// suggestion cutoff, or "" when nothing is close enough.
func closestName(name string, names []string) string {
	best := ""
	bestDist := maxSuggestionDistance + 1
	for _, candidate := range names {
		if dist := matchr.Levenshtein(name, candidate); dist < bestDist {
			best, bestDist = candidate, dist
		}
	}
	return best
}
