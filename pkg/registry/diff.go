package registry

import (
	"sort"

	"github.com/openfroyo/modsync/pkg/manifest"
)

// Changes is the reconciliation plan between a candidate manifest and a
// registry. Every list is sorted.
type Changes struct {
	ToAdd    []string `json:"toAdd"`
	ToUpdate []string `json:"toUpdate"`
	ToRemove []string `json:"toRemove"`
}

// Empty reports whether nothing needs to change.
func (c Changes) Empty() bool {
	return len(c.ToAdd) == 0 && len(c.ToUpdate) == 0 && len(c.ToRemove) == 0
}

// ToLoad returns ToAdd and ToUpdate merged in sorted order.
func (c Changes) ToLoad() []string {
	out := make([]string, 0, len(c.ToAdd)+len(c.ToUpdate))
	out = append(out, c.ToAdd...)
	out = append(out, c.ToUpdate...)
	sort.Strings(out)
	return out
}

// Total returns the number of affected modules.
func (c Changes) Total() int {
	return len(c.ToAdd) + len(c.ToUpdate) + len(c.ToRemove)
}

// Diff compares a candidate manifest against the current registry. A module
// is updated when its environment set differs or any environment's integrity
// token differs; a changed URL with the same integrity is not an update.
func Diff(candidate *manifest.Manifest, current *Registry) Changes {
	c := Changes{
		ToAdd:    []string{},
		ToUpdate: []string{},
		ToRemove: []string{},
	}

	for _, name := range candidate.Names() {
		entry := candidate.Modules[name]
		existing, ok := current.Get(name)
		switch {
		case !ok:
			c.ToAdd = append(c.ToAdd, name)
		case !existing.Source.SameIntegrity(entry):
			c.ToUpdate = append(c.ToUpdate, name)
		}
	}

	for _, name := range current.Names() {
		if _, ok := candidate.Get(name); !ok {
			c.ToRemove = append(c.ToRemove, name)
		}
	}

	return c
}
