// Package clientcache holds the client-facing manifest snapshot.
//
// A Snapshot is built once per effective sync cycle, rendered to JSON up
// front and replaced by atomic pointer swap, so request handlers serve it
// without locks or re-encoding.
package clientcache

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/registry"
)

// Snapshot is an immutable rendering of the manifest served to clients.
type Snapshot struct {
	// Manifest is the module map clients receive.
	Manifest *manifest.Manifest

	// Body is the JSON encoding of Manifest.
	Body []byte

	// ETag is the quoted content digest of Body.
	ETag string

	// Generation is the registry generation the snapshot was built for.
	Generation uint64

	// PublishedAt records when the snapshot was built. It is zero for the
	// placeholder a new Cache starts with.
	PublishedAt time.Time
}

// NewSnapshot renders m for the given registry generation.
func NewSnapshot(m *manifest.Manifest, generation uint64) (*Snapshot, error) {
	if m == nil {
		m = manifest.New()
	}
	m = m.Clone()

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to render client manifest: %w", err)
	}

	return &Snapshot{
		Manifest:    m,
		Body:        body,
		ETag:        `"` + digest.FromBytes(body).String() + `"`,
		Generation:  generation,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Empty reports whether the snapshot lists no modules.
func (s *Snapshot) Empty() bool {
	return s == nil || s.Manifest.Len() == 0
}

// Published reports whether the snapshot came from a sync cycle rather than
// being the placeholder a new Cache holds.
func (s *Snapshot) Published() bool {
	return s != nil && !s.PublishedAt.IsZero()
}

// Cache holds the current snapshot.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

// New returns a cache holding an unpublished empty snapshot at generation
// zero.
func New() *Cache {
	c := &Cache{}
	empty, _ := NewSnapshot(manifest.New(), 0)
	empty.PublishedAt = time.Time{}
	c.current.Store(empty)
	return c
}

// Load returns the current snapshot. It is never nil.
func (c *Cache) Load() *Snapshot {
	return c.current.Load()
}

// Store replaces the current snapshot unconditionally.
func (c *Cache) Store(s *Snapshot) {
	c.current.Store(s)
}

// PublishFor renders m and publishes it only if reg is still the registry
// returned by current. It reports whether the snapshot was published; a
// false result means a newer registry went live and its own cycle will
// publish.
func (c *Cache) PublishFor(current func() *registry.Registry, reg *registry.Registry, m *manifest.Manifest) (bool, error) {
	snap, err := NewSnapshot(m, reg.Generation())
	if err != nil {
		return false, err
	}

	for {
		prev := c.current.Load()
		if current() != reg {
			return false, nil
		}
		if prev != nil && prev.Generation > snap.Generation {
			return false, nil
		}
		if c.current.CompareAndSwap(prev, snap) {
			return true, nil
		}
	}
}
