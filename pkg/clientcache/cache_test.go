package clientcache

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *manifest.Manifest {
	return &manifest.Manifest{
		Key: "k1",
		Modules: map[string]manifest.ModuleEntry{
			"some-root": {
				manifest.EnvBrowser: {URL: "https://cdn.example.com/some-root.browser.js", Integrity: "sha256-abc"},
			},
		},
	}
}

func TestNewCacheStartsEmpty(t *testing.T) {
	c := New()
	snap := c.Load()
	require.NotNil(t, snap)
	assert.True(t, snap.Empty())
	assert.Equal(t, uint64(0), snap.Generation)
	assert.False(t, snap.Published())
	assert.JSONEq(t, `{"modules":{}}`, string(snap.Body))
}

func TestSnapshotRendering(t *testing.T) {
	m := sample()
	snap, err := NewSnapshot(m, 3)
	require.NoError(t, err)

	var decoded manifest.Manifest
	require.NoError(t, json.Unmarshal(snap.Body, &decoded))
	assert.True(t, m.Equal(&decoded))
	assert.True(t, strings.HasPrefix(snap.ETag, `"sha256:`))
	assert.Equal(t, uint64(3), snap.Generation)

	m.Modules["other"] = manifest.ModuleEntry{}
	assert.Equal(t, 1, snap.Manifest.Len(), "snapshot does not alias its input")

	same, err := NewSnapshot(sample(), 4)
	require.NoError(t, err)
	assert.Equal(t, snap.ETag, same.ETag, "etag depends only on content")
}

func TestPublishFor(t *testing.T) {
	live := registry.NewLive(nil)
	c := New()

	r1 := live.Load().Apply(nil, []registry.Entry{{Name: "some-root"}})
	live.Store(r1)

	ok, err := c.PublishFor(live.Load, r1, sample())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Load().Generation)

	// A slower cycle built against a registry that is no longer live.
	r2 := r1.Apply(nil, nil)
	live.Store(r2.Apply(nil, nil))
	ok, err = c.PublishFor(live.Load, r2, manifest.New())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Load().Generation, "stale snapshot is not published")
	assert.False(t, c.Load().Empty())
}

func TestPublishForInitialRegistry(t *testing.T) {
	live := registry.NewLive(nil)
	c := New()

	ok, err := c.PublishFor(live.Load, live.Load(), manifest.New())
	require.NoError(t, err)
	assert.True(t, ok)

	snap := c.Load()
	assert.True(t, snap.Published(), "an empty first map is still a published map")
	assert.Equal(t, uint64(0), snap.Generation)
	assert.True(t, snap.Empty())
}

func TestPublishForNeverGoesBackwards(t *testing.T) {
	live := registry.NewLive(nil)
	c := New()

	r5 := registry.New()
	for i := 0; i < 5; i++ {
		r5 = r5.Apply(nil, nil)
	}
	snap, err := NewSnapshot(sample(), 9)
	require.NoError(t, err)
	c.Store(snap)

	live.Store(r5)
	ok, err := c.PublishFor(live.Load, r5, manifest.New())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(9), c.Load().Generation)
}
