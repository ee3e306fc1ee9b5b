// Package manifest defines the module map document and the fetcher that
// retrieves, decodes, validates and normalizes it.
//
// A manifest names every deployable module and, per module, one artifact per
// environment:
//
//	{
//	  "key": "d8f1e2",
//	  "modules": {
//	    "some-root": {
//	      "node":    {"url": "https://cdn.example.com/some-root/1.1.1/some-root.node.wasm", "integrity": "sha256-..."},
//	      "browser": {"url": "https://cdn.example.com/some-root/1.1.1/some-root.browser.js", "integrity": "sha384-..."}
//	    }
//	  }
//	}
//
// Manifests are treated as immutable once fetched. Clone and Subset return new
// values and never share maps with their receiver.
package manifest

import (
	"sort"
)

// Environment names used by the module map.
const (
	EnvNode          = "node"
	EnvBrowser       = "browser"
	EnvLegacyBrowser = "legacyBrowser"
)

// Artifact locates one build of a module and the integrity token its bytes
// must match.
type Artifact struct {
	// URL is the artifact location. Relative URLs are resolved against the
	// manifest location by the Fetcher.
	URL string `json:"url" yaml:"url" validate:"required"`

	// Integrity is an SRI ("sha384-...") or OCI ("sha256:...") token.
	Integrity string `json:"integrity" yaml:"integrity" validate:"required,integrity"`
}

// ModuleEntry maps an environment name to its artifact.
type ModuleEntry map[string]Artifact

// Environments returns the entry's environment names in sorted order.
func (e ModuleEntry) Environments() []string {
	envs := make([]string, 0, len(e))
	for env := range e {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs
}

// Clone returns a copy of the entry.
func (e ModuleEntry) Clone() ModuleEntry {
	if e == nil {
		return nil
	}
	out := make(ModuleEntry, len(e))
	for env, a := range e {
		out[env] = a
	}
	return out
}

// SameIntegrity reports whether both entries declare the same environments
// with the same integrity tokens. URLs are not compared.
func (e ModuleEntry) SameIntegrity(other ModuleEntry) bool {
	if len(e) != len(other) {
		return false
	}
	for env, a := range e {
		b, ok := other[env]
		if !ok || a.Integrity != b.Integrity {
			return false
		}
	}
	return true
}

// Equal reports whether both entries are identical.
func (e ModuleEntry) Equal(other ModuleEntry) bool {
	if len(e) != len(other) {
		return false
	}
	for env, a := range e {
		if b, ok := other[env]; !ok || a != b {
			return false
		}
	}
	return true
}

// Manifest is the module map document.
type Manifest struct {
	// Key is an opaque cache-busting key passed through to clients.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// Modules maps module names to their per-environment artifacts.
	Modules map[string]ModuleEntry `json:"modules" yaml:"modules" validate:"required"`
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{Modules: make(map[string]ModuleEntry)}
}

// Len returns the number of modules.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Modules)
}

// Names returns module names in sorted order.
func (m *Manifest) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.Modules))
	for name := range m.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the entry for a module.
func (m *Manifest) Get(name string) (ModuleEntry, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.Modules[name]
	return e, ok
}

// Artifact returns the artifact of a module for one environment.
func (m *Manifest) Artifact(name, env string) (Artifact, bool) {
	e, ok := m.Get(name)
	if !ok {
		return Artifact{}, false
	}
	a, ok := e[env]
	return a, ok
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{Key: m.Key, Modules: make(map[string]ModuleEntry, len(m.Modules))}
	for name, e := range m.Modules {
		out.Modules[name] = e.Clone()
	}
	return out
}

// Subset returns a new manifest with only the named modules. Names absent
// from m are ignored.
func (m *Manifest) Subset(names []string) *Manifest {
	out := &Manifest{Modules: make(map[string]ModuleEntry, len(names))}
	if m == nil {
		return out
	}
	out.Key = m.Key
	for _, name := range names {
		if e, ok := m.Modules[name]; ok {
			out.Modules[name] = e.Clone()
		}
	}
	return out
}

// With returns a copy of m with one module entry replaced or added.
func (m *Manifest) With(name string, entry ModuleEntry) *Manifest {
	out := m.Clone()
	if out == nil {
		out = New()
	}
	out.Modules[name] = entry.Clone()
	return out
}

// Equal reports whether two manifests carry the same key and modules.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Key != other.Key || len(m.Modules) != len(other.Modules) {
		return false
	}
	for name, e := range m.Modules {
		o, ok := other.Modules[name]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	return true
}
