// Package registry maintains the kernel's in-memory tool catalogue: the
// mapping from tool name to descriptor, the discovery loader that builds it
// from the tools directory, and the hot-reload decision logic.
//
// A registry generation is immutable once published. Rebuilds assemble a
// complete replacement map and install it with a single atomic pointer swap,
// so concurrent readers always observe a self-consistent catalogue and
// in-flight invocations continue against the descriptor they already
// resolved.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

// BaseID is the first descriptor id assigned on every rebuild. The counter
// resets to BaseID each time the registry is rebuilt.
const BaseID = 10000

// Handle is the invocation entry point of a registered tool. It is called
// with the request's keyword-style argument mapping and returns any
// JSON-sanitizable value, or an error to signal failure. Handles must honour
// ctx cancellation promptly; the dispatcher abandons workers that do not.
type Handle func(ctx context.Context, params map[string]any) (any, error)

// Descriptor is the kernel's record for one registered tool. Descriptors are
// immutable for the lifetime of the generation they belong to.
type Descriptor struct {
	// ID is assigned sequentially from [BaseID] in registration order and is
	// stable within a generation.
	ID int `json:"id"`

	// Name is the unique ASCII identifier and primary key.
	Name string `json:"name"`

	// DisplayName is the human-friendly name; falls back to Name.
	DisplayName string `json:"displayName"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Spec is the compact canonical JSON of the tool's opaque spec document.
	// The kernel never introspects its semantics beyond the function header.
	Spec json.RawMessage `json:"spec"`

	// Handle is the in-process invocation reference. Never serialised.
	Handle Handle `json:"-"`
}

// ToolName returns the descriptor's registered name.
func (d *Descriptor) ToolName() string { return d.Name }

// Invoke runs the tool's handle.
func (d *Descriptor) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return d.Handle(ctx, params)
}

// dirSnapshot is the cache key for hot-reload decisions: the maximum
// modification time observed over the tools directory tree plus the ordered
// set of top-level entry names.
type dirSnapshot struct {
	maxMod time.Time
	names  []string
}

func (s dirSnapshot) equal(o dirSnapshot) bool {
	return s.maxMod.Equal(o.maxMod) && slices.Equal(s.names, o.names)
}

// changedSince reports whether the current snapshot warrants a rebuild: a
// strictly newer max modification time, or any difference in the entry set.
func (s dirSnapshot) changedSince(prev dirSnapshot) bool {
	return s.maxMod.After(prev.maxMod) || !slices.Equal(s.names, prev.names)
}

// generation is one immutable published version of the registry.
type generation struct {
	byName map[string]*Descriptor
	snap   dirSnapshot
}

// Registry is the atomically swapped mapping from tool name to descriptor.
// The zero value is empty and usable.
type Registry struct {
	gen atomic.Pointer[generation]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.gen.Store(&generation{byName: map[string]*Descriptor{}})
	return r
}

func (r *Registry) current() *generation {
	if g := r.gen.Load(); g != nil {
		return g
	}
	return &generation{byName: map[string]*Descriptor{}}
}

// Lookup returns the descriptor registered under name. Matching is exact and
// case-sensitive.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.current().byName[name]
	return d, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.current().byName)
}

// Names returns all registered tool names sorted ascending.
func (r *Registry) Names() []string {
	g := r.current()
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Snapshot returns the descriptors of the current generation ordered by name
// ascending. The result is deterministic for a fixed generation; the Handle
// field is excluded from JSON encoding by construction.
func (r *Registry) Snapshot() []*Descriptor {
	g := r.current()
	out := make([]*Descriptor, 0, len(g.byName))
	for _, d := range g.byName {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Descriptor) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// swap publishes g as the current generation. In-flight readers keep the
// previous generation; no locks are held by readers at any point.
func (r *Registry) swap(g *generation) {
	r.gen.Store(g)
}

// build accumulates descriptors for one rebuild before the atomic swap.
type build struct {
	byName map[string]*Descriptor
	order  []string
	nextID int
}

func newBuild() *build {
	return &build{byName: map[string]*Descriptor{}, nextID: BaseID}
}

// register adds d to the pending generation, assigning the next sequential
// id. Registering a name that is already present in this rebuild fails with a
// duplicate-name error and keeps the first registration.
func (b *build) register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: descriptor must have a non-empty name")
	}
	if _, ok := b.byName[d.Name]; ok {
		return fmt.Errorf("registry: duplicate tool name %q", d.Name)
	}
	d.ID = b.nextID
	b.nextID++
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	b.byName[d.Name] = d
	b.order = append(b.order, d.Name)
	return nil
}
