package registry

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/observe"
)

// Loader implements the dispatcher's catalog contract.
var _ kernel.Catalog = (*Loader)(nil)

// Builtin declares an in-process tool registered on every rebuild, before
// manifest entries. Built-in tools are the static-registration counterpart of
// the manifest files: the compound tools (agent orchestrator, script sandbox)
// and the tools that ship with the server are wired this way.
type Builtin struct {
	Name        string
	DisplayName string
	Description string

	// Spec is the opaque spec document in standardized function-schema form.
	Spec map[string]any

	// Handle executes the tool.
	Handle Handle
}

// LoaderConfig configures a [Loader].
type LoaderConfig struct {
	// Dir is the tools directory scanned for manifests. Empty disables
	// manifest discovery; only builtins are registered.
	Dir string

	// AutoReload enables the directory-snapshot reload check.
	AutoReload bool

	// ForceEachRequest rebuilds before every reload check regardless of the
	// snapshot (the reload-on-every-request flag).
	ForceEachRequest bool
}

// Loader owns discovery: it scans the tools directory, validates manifests,
// and rebuilds the registry atomically. All rebuilds are serialised; readers
// of the registry are never blocked.
type Loader struct {
	cfg      LoaderConfig
	reg      *Registry
	builtins []Builtin
	mcp      *mcpPool
	client   *http.Client

	mu sync.Mutex // serialises rebuilds
}

// NewLoader creates a Loader over an empty registry. builtins are registered
// on every rebuild in name order, before manifest entries.
func NewLoader(cfg LoaderConfig, builtins []Builtin) *Loader {
	bs := slices.Clone(builtins)
	slices.SortFunc(bs, func(a, b Builtin) int {
		return strings.Compare(a.Name, b.Name)
	})
	return &Loader{
		cfg:      cfg,
		reg:      NewRegistry(),
		builtins: bs,
		mcp:      newMCPPool(),
		client:   &http.Client{Timeout: defaultCallbackTimeout},
	}
}

// Registry returns the registry this loader maintains.
func (l *Loader) Registry() *Registry { return l.reg }

// Lookup resolves name in the current generation. Part of the dispatcher's
// catalog contract.
func (l *Loader) Lookup(name string) (kernel.Invocable, bool) {
	d, ok := l.reg.Lookup(name)
	if !ok {
		return nil, false
	}
	return d, true
}

// Names returns the registered tool names sorted ascending.
func (l *Loader) Names() []string { return l.reg.Names() }

// Close tears down external MCP sessions held by the loader.
func (l *Loader) Close() error { return l.mcp.closeAll() }

// MaybeReload applies the reload-decision algorithm and rebuilds when it
// fires. force corresponds to the per-request override (?reload=1).
//
// Decision order: forced (flag, config, or empty registry) → rebuild;
// auto-reload on and the directory snapshot changed → rebuild; otherwise do
// nothing.
func (l *Loader) MaybeReload(ctx context.Context, force bool) error {
	if force || l.cfg.ForceEachRequest || l.reg.Len() == 0 {
		return l.Rebuild(ctx)
	}
	if !l.cfg.AutoReload {
		return nil
	}

	snap, err := l.takeSnapshot()
	if err != nil {
		slog.Warn("discovery: snapshot tools directory", "dir", l.cfg.Dir, "err", err)
		return nil
	}
	if snap.changedSince(l.reg.current().snap) {
		return l.Rebuild(ctx)
	}
	return nil
}

// Rebuild scans the tools directory, imports every eligible manifest, and
// atomically replaces the registry generation. Per-entry failures are logged
// and skipped; a rebuild never aborts because one manifest is broken.
func (l *Loader) Rebuild(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	b := newBuild()

	for _, bt := range l.builtins {
		spec, err := (&Manifest{Spec: bt.Spec}).canonicalSpec()
		if err != nil {
			slog.Error("discovery: encode builtin spec", "tool", bt.Name, "err", err)
			continue
		}
		d := &Descriptor{
			Name:        bt.Name,
			DisplayName: bt.DisplayName,
			Description: bt.Description,
			Spec:        spec,
			Handle:      bt.Handle,
		}
		if err := b.register(d); err != nil {
			slog.Warn("discovery: register builtin", "tool", bt.Name, "err", err)
		}
	}

	snap, activeMCP := l.loadManifests(b)

	prevLen := l.reg.Len()
	l.reg.swap(&generation{byName: b.byName, snap: snap})
	l.mcp.prune(activeMCP)
	observe.DefaultMetrics().RecordRebuild(ctx, len(b.byName)-prevLen)

	slog.Info("discovery: registry rebuilt",
		"tools", len(b.byName),
		"duration", time.Since(start),
	)
	return nil
}

// loadManifests imports every eligible manifest file under the tools
// directory into b, in file-name order, and returns the directory snapshot
// taken for the new generation plus the set of MCP session keys still in use.
func (l *Loader) loadManifests(b *build) (dirSnapshot, map[string]bool) {
	activeMCP := map[string]bool{}
	if l.cfg.Dir == "" {
		return dirSnapshot{}, activeMCP
	}

	snap, err := l.takeSnapshot()
	if err != nil {
		slog.Warn("discovery: snapshot tools directory", "dir", l.cfg.Dir, "err", err)
	}

	for _, entry := range snap.names {
		if !isManifestName(entry) {
			continue
		}
		path := filepath.Join(l.cfg.Dir, entry)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("discovery: read manifest", "file", entry, "err", err)
			continue
		}
		m, err := parseManifest(data)
		if err != nil {
			slog.Warn("discovery: skipping manifest", "file", entry, "err", err)
			continue
		}
		h, err := m.header()
		if err != nil {
			slog.Warn("discovery: skipping manifest", "file", entry, "err", err)
			continue
		}
		spec, err := m.canonicalSpec()
		if err != nil {
			slog.Error("discovery: encode spec", "file", entry, "err", err)
			continue
		}

		var handle Handle
		switch m.Invoke.Kind {
		case InvokeHTTP:
			if m.Invoke.URL == "" {
				slog.Warn("discovery: skipping manifest", "file", entry, "err", "http binding requires url")
				continue
			}
			handle = httpHandle(h.Name, m.Invoke.URL, l.client)
		case InvokeMCP:
			handle = l.mcp.mcpHandle(h.Name, m.Invoke)
			activeMCP[sessionKey(m.Invoke)] = true
		}

		d := &Descriptor{
			Name:        h.Name,
			DisplayName: h.DisplayName,
			Description: h.Description,
			Spec:        spec,
			Handle:      handle,
		}
		if err := b.register(d); err != nil {
			// First-wins: the earlier registration stays.
			slog.Warn("discovery: duplicate tool name", "file", entry, "tool", h.Name, "err", err)
		}
	}
	return snap, activeMCP
}

// takeSnapshot computes the current directory snapshot: sorted top-level
// entry names (underscore-prefixed entries excluded) and the maximum
// modification time over the whole tree.
func (l *Loader) takeSnapshot() (dirSnapshot, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return dirSnapshot{}, err
	}

	snap := dirSnapshot{}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "_") {
			continue
		}
		snap.names = append(snap.names, e.Name())
	}
	slices.Sort(snap.names)

	err = filepath.WalkDir(l.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(snap.maxMod) {
			snap.maxMod = info.ModTime()
		}
		return nil
	})
	return snap, err
}

// isManifestName reports whether a directory entry looks like a tool
// manifest: a non-underscored *.yaml, *.yml, or *.json file.
func isManifestName(name string) bool {
	if strings.HasPrefix(name, "_") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
