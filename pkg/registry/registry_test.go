package registry

import (
	"sync"
	"testing"

	"github.com/openfroyo/modsync/pkg/engine/enginetest"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name, integrity string) Entry {
	return Entry{
		Name:   name,
		Module: &enginetest.Module{ModuleName: name},
		Source: manifest.ModuleEntry{manifest.EnvNode: {URL: name + ".wasm", Integrity: integrity}},
	}
}

func TestApplyIsCopyOnWrite(t *testing.T) {
	r0 := New(entry("a", "1"), entry("b", "1"))
	assert.Equal(t, uint64(0), r0.Generation())

	r1 := r0.Apply([]string{"a"}, []Entry{entry("c", "1"), entry("b", "2")})
	assert.Equal(t, uint64(1), r1.Generation())
	assert.Equal(t, []string{"b", "c"}, r1.Names())

	b, ok := r1.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", b.Source[manifest.EnvNode].Integrity)

	assert.Equal(t, []string{"a", "b"}, r0.Names(), "previous registry is unchanged")
	b, _ = r0.Get("b")
	assert.Equal(t, "1", b.Source[manifest.EnvNode].Integrity)

	var nilRegistry *Registry
	assert.Equal(t, 0, nilRegistry.Len())
	assert.Equal(t, uint64(1), nilRegistry.Apply(nil, []Entry{entry("x", "1")}).Generation())
}

func TestDiff(t *testing.T) {
	current := New(
		entry("keep", "k1"),
		entry("bump", "b1"),
		entry("gone", "g1"),
		entry("envs", "e1"),
	)

	candidate := &manifest.Manifest{Modules: map[string]manifest.ModuleEntry{
		"keep": {manifest.EnvNode: {URL: "moved/keep.wasm", Integrity: "k1"}},
		"bump": {manifest.EnvNode: {URL: "bump.wasm", Integrity: "b2"}},
		"envs": {
			manifest.EnvNode:    {URL: "envs.wasm", Integrity: "e1"},
			manifest.EnvBrowser: {URL: "envs.js", Integrity: "e1"},
		},
		"new-b": {manifest.EnvNode: {URL: "new-b.wasm", Integrity: "n1"}},
		"new-a": {manifest.EnvNode: {URL: "new-a.wasm", Integrity: "n1"}},
	}}

	c := Diff(candidate, current)
	assert.Equal(t, []string{"new-a", "new-b"}, c.ToAdd)
	assert.Equal(t, []string{"bump", "envs"}, c.ToUpdate)
	assert.Equal(t, []string{"gone"}, c.ToRemove)
	assert.Equal(t, []string{"bump", "envs", "new-a", "new-b"}, c.ToLoad())
	assert.Equal(t, 5, c.Total())
	assert.False(t, c.Empty())
}

func TestDiffEmpty(t *testing.T) {
	assert.True(t, Diff(manifest.New(), New()).Empty())

	current := New(entry("a", "1"))
	candidate := &manifest.Manifest{Modules: map[string]manifest.ModuleEntry{
		"a": {manifest.EnvNode: {URL: "a.wasm", Integrity: "1"}},
	}}
	assert.True(t, Diff(candidate, current).Empty())

	c := Diff(manifest.New(), current)
	assert.Equal(t, []string{"a"}, c.ToRemove)
}

func TestDiffAfterApplyIsEmpty(t *testing.T) {
	candidate := &manifest.Manifest{Modules: map[string]manifest.ModuleEntry{
		"a": {manifest.EnvNode: {URL: "a.wasm", Integrity: "1"}},
		"b": {manifest.EnvNode: {URL: "b.wasm", Integrity: "2"}},
	}}
	current := New(entry("old", "1"))

	c := Diff(candidate, current)
	var upserts []Entry
	for _, name := range c.ToLoad() {
		upserts = append(upserts, Entry{Name: name, Source: candidate.Modules[name]})
	}
	next := current.Apply(c.ToRemove, upserts)

	assert.True(t, Diff(candidate, next).Empty())
}

func TestLiveSwap(t *testing.T) {
	live := NewLive(nil)
	r0 := live.Load()
	require.NotNil(t, r0)
	assert.Equal(t, 0, r0.Len())

	r1 := r0.Apply(nil, []Entry{entry("a", "1")})
	assert.True(t, live.CompareAndSwap(r0, r1))
	assert.False(t, live.CompareAndSwap(r0, r0.Apply(nil, nil)), "stale swap is rejected")
	assert.Same(t, r1, live.Load())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r := live.Load()
				// Readers only ever see complete registries.
				if r.Len() != 0 {
					_, ok := r.Get("a")
					assert.True(t, ok)
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		live.Store(live.Load().Apply(nil, []Entry{entry("a", "1")}))
	}
	wg.Wait()
	assert.Equal(t, uint64(101), live.Load().Generation())
}
