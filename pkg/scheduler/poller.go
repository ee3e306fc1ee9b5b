// Package scheduler runs sync cycles on an interval, on demand and when a
// local manifest file changes, never more than one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/modsync/pkg/syncer"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultInterval is the default polling interval.
const DefaultInterval = 30 * time.Second

// watchDebounce coalesces bursts of file events into one trigger.
const watchDebounce = 250 * time.Millisecond

// ErrBusy is returned by RunOnce when a cycle is already running.
var ErrBusy = errors.New("sync cycle already running")

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (*syncer.Result, error)
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the polling interval. Non-positive values disable
// periodic polling; cycles then run only on Trigger.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// WithTriggerLimit caps on-demand triggers to one per every, with the given
// burst.
func WithTriggerLimit(every time.Duration, burst int) Option {
	return func(p *Poller) { p.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// Poller drives a Syncer.
type Poller struct {
	syncer   Syncer
	interval time.Duration
	logger   zerolog.Logger
	limiter  *rate.Limiter

	running sync.Mutex
	trigger chan struct{}

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewPoller creates a poller for s.
func NewPoller(s Syncer, opts ...Option) *Poller {
	p := &Poller{
		syncer:   s,
		interval: DefaultInterval,
		logger:   zerolog.Nop(),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "scheduler").Logger()
	return p
}

// Interval returns the polling interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// Busy reports whether a cycle is running.
func (p *Poller) Busy() bool {
	if p.running.TryLock() {
		p.running.Unlock()
		return false
	}
	return true
}

// RunOnce runs a cycle now unless one is already running, in which case it
// returns ErrBusy without waiting.
func (p *Poller) RunOnce(ctx context.Context) (*syncer.Result, error) {
	if !p.running.TryLock() {
		return nil, ErrBusy
	}
	defer p.running.Unlock()

	return p.syncer.Sync(ctx)
}

// Trigger requests a cycle from Run. It returns false when the request was
// rate limited; a request made while another is pending is merged into it.
func (p *Poller) Trigger() bool {
	if !p.limiter.Allow() {
		return false
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
	return true
}

// Run runs a cycle immediately, then on every tick and trigger until ctx is
// done. Cycle errors are logged, never returned.
func (p *Poller) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	p.logger.Info().Dur("interval", p.interval).Msg("Poller started")
	p.cycle(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Poller stopped")
			return ctx.Err()
		case <-tick:
			p.cycle(ctx, "interval")
		case <-p.trigger:
			p.cycle(ctx, "trigger")
		}
	}
}

func (p *Poller) cycle(ctx context.Context, reason string) {
	result, err := p.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		p.logger.Debug().Str("reason", reason).Msg("Cycle skipped, previous one still running")
	case err != nil:
		p.logger.Warn().Err(err).Str("reason", reason).Msg("Sync cycle failed")
	default:
		p.logger.Debug().
			Str("reason", reason).
			Str("cycle_id", result.CycleID).
			Str("status", string(result.Status)).
			Msg("Sync cycle finished")
	}
}

// WatchFile triggers a cycle whenever the file at path is written, created
// or replaced. The parent directory is watched so atomic renames are seen.
// Watching stops when ctx is done or StopWatching is called.
func (p *Poller) WatchFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	p.mu.Lock()
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
	p.watcher = watcher
	p.mu.Unlock()

	go p.processEvents(ctx, watcher, abs)

	p.logger.Info().Str("path", abs).Msg("Watching manifest file")
	return nil
}

func (p *Poller) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			p.logger.Debug().Str("op", event.Op.String()).Msg("Manifest file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case p.trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops the file watch started by WatchFile.
func (p *Poller) StopWatching() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
