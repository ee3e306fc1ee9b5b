package history

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/modsync/pkg/engine"
)

// ErrNotFound is returned by Get for an unknown cycle ID.
var ErrNotFound = errors.New("cycle not found")

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 20

// Cycle records the outcome of one sync cycle.
type Cycle struct {
	ID         string             `json:"id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Status     engine.CycleStatus `json:"status"`
	Added      []string           `json:"added"`
	Updated    []string           `json:"updated"`
	Removed    []string           `json:"removed"`
	Failed     map[string]string  `json:"failed"` // module name to error text
	Error      string             `json:"error,omitempty"`
	Generation uint64             `json:"generation"`
}

// Duration returns how long the cycle ran.
func (c *Cycle) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}

// Store persists cycle records.
type Store interface {
	// Record inserts a cycle. Recording the same ID twice is an error.
	Record(ctx context.Context, c *Cycle) error

	// Get returns a cycle by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Cycle, error)

	// List returns the most recent cycles, newest first.
	List(ctx context.Context, limit int) ([]*Cycle, error)

	// Close releases the underlying connection.
	Close() error
}
