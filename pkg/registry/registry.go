// Package registry holds the set of loaded modules.
//
// A Registry is immutable: Apply derives a successor with a higher generation
// and never modifies its receiver. Live holds the single registry that request
// handlers read, replaced by atomic pointer swap.
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/openfroyo/modsync/pkg/manifest"
)

// Entry is one loaded module.
type Entry struct {
	// Name is the module name.
	Name string

	// Module is the executable handle.
	Module engine.Module

	// Source is the manifest entry the module was loaded from.
	Source manifest.ModuleEntry

	// LoadedAt records when the module finished loading.
	LoadedAt time.Time
}

// Registry is an immutable name to module mapping.
type Registry struct {
	entries    map[string]Entry
	generation uint64
}

// New creates a registry at generation zero.
func New(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		r.entries[e.Name] = e
	}
	return r
}

// Generation returns the registry's generation. Every Apply increments it.
func (r *Registry) Generation() uint64 {
	if r == nil {
		return 0
	}
	return r.generation
}

// Get returns the entry for a module.
func (r *Registry) Get(name string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	e, ok := r.entries[name]
	return e, ok
}

// Has reports whether the module is loaded.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of loaded modules.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Names returns the loaded module names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the entries sorted by name.
func (r *Registry) Entries() []Entry {
	names := r.Names()
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, r.entries[name])
	}
	return out
}

// Apply returns a new registry with removals deleted and upserts added or
// replaced. The receiver is left untouched.
func (r *Registry) Apply(removals []string, upserts []Entry) *Registry {
	next := &Registry{
		entries:    make(map[string]Entry, r.Len()+len(upserts)),
		generation: r.Generation() + 1,
	}
	if r != nil {
		for name, e := range r.entries {
			next.entries[name] = e
		}
	}
	for _, name := range removals {
		delete(next.entries, name)
	}
	for _, e := range upserts {
		next.entries[e.Name] = e
	}
	return next
}

// Live is the reference to the currently published registry.
type Live struct {
	current atomic.Pointer[Registry]
}

// NewLive creates a live reference. A nil initial registry is replaced with
// an empty one.
func NewLive(initial *Registry) *Live {
	if initial == nil {
		initial = New()
	}
	l := &Live{}
	l.current.Store(initial)
	return l
}

// Load returns the live registry.
func (l *Live) Load() *Registry {
	return l.current.Load()
}

// Store replaces the live registry.
func (l *Live) Store(r *Registry) {
	l.current.Store(r)
}

// CompareAndSwap publishes next only if old is still live.
func (l *Live) CompareAndSwap(old, next *Registry) bool {
	return l.current.CompareAndSwap(old, next)
}
