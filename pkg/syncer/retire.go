package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/rs/zerolog"
)

// closeTimeout bounds each module Close call.
const closeTimeout = 10 * time.Second

// retirer closes replaced module handles once in-flight readers of the old
// registry have had time to finish.
type retirer struct {
	grace  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]retiree
}

type retiree struct {
	timer   *time.Timer
	modules []engine.Module
}

func newRetirer(grace time.Duration, logger zerolog.Logger) *retirer {
	return &retirer{
		grace:   grace,
		logger:  logger,
		pending: make(map[uint64]retiree),
	}
}

// retire schedules modules to be closed after the grace period. A
// non-positive grace closes them immediately.
func (r *retirer) retire(modules []engine.Module) {
	if len(modules) == 0 {
		return
	}
	if r.grace <= 0 {
		r.closeAll(modules)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	timer := time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		batch, ok := r.pending[id]
		delete(r.pending, id)
		r.mu.Unlock()
		if ok {
			r.closeAll(batch.modules)
		}
	})
	r.pending[id] = retiree{timer: timer, modules: modules}
}

// flush closes every pending module now.
func (r *retirer) flush() {
	r.mu.Lock()
	var modules []engine.Module
	for id, batch := range r.pending {
		batch.timer.Stop()
		modules = append(modules, batch.modules...)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	r.closeAll(modules)
}

// count returns the number of modules awaiting retirement.
func (r *retirer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, batch := range r.pending {
		n += len(batch.modules)
	}
	return n
}

func (r *retirer) closeAll(modules []engine.Module) {
	for _, m := range modules {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := m.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("module", m.Name()).Msg("Failed to close retired module")
		} else {
			r.logger.Debug().Str("module", m.Name()).Msg("Retired module closed")
		}
		cancel()
	}
}
