// Package loader fetches, verifies and loads module artifacts in bounded
// concurrent batches.
//
// Names are processed in sorted order and split into batches of at most
// BatchSize modules. Modules in a batch load concurrently; the next batch
// starts once every module of the previous one has settled. A failing module
// never cancels its siblings: each name gets its own Outcome.
package loader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/modsync/pkg/artifact"
	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/openfroyo/modsync/pkg/integrity"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the default number of modules loaded concurrently.
const DefaultBatchSize = 10

// Status is the result of loading one module.
type Status string

const (
	StatusLoaded Status = "loaded"
	StatusFailed Status = "failed"
)

// Outcome is the result of loading one module.
type Outcome struct {
	// Status is Loaded or Failed.
	Status Status

	// Module is the loaded handle, set only when Status is Loaded.
	Module engine.Module

	// Err is the classified failure, set only when Status is Failed.
	Err error

	// Duration is the time spent on this module.
	Duration time.Duration
}

// Loaded reports whether the module loaded.
func (o Outcome) Loaded() bool {
	return o.Status == StatusLoaded
}

// Failed returns a failed outcome.
func Failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// Option configures a Loader.
type Option func(*Loader)

// WithBatchSize sets the concurrency ceiling. Values below one are ignored.
func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithEnvironment selects the manifest environment whose artifact is loaded.
func WithEnvironment(env string) Option {
	return func(l *Loader) {
		if env != "" {
			l.environment = env
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithMetrics records per-module metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithTracer wraps each module load in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(l *Loader) {
		l.tracer = t
	}
}

// Loader is the batch module loader.
type Loader struct {
	src         artifact.Source
	host        engine.ModuleLoader
	batchSize   int
	environment string
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

// New creates a loader that reads artifacts from src and loads them on host.
func New(src artifact.Source, host engine.ModuleLoader, opts ...Option) *Loader {
	l := &Loader{
		src:         src,
		host:        host,
		batchSize:   DefaultBatchSize,
		environment: manifest.EnvNode,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BatchSize returns the concurrency ceiling.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Environment returns the environment whose artifacts are loaded.
func (l *Loader) Environment() string {
	return l.environment
}

// Load loads every named module from candidate and returns one outcome per
// name. It never returns early on module failures.
func (l *Loader) Load(ctx context.Context, names []string, candidate *manifest.Manifest) map[string]Outcome {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	outcomes := make(map[string]Outcome, len(sorted))
	var mu sync.Mutex

	for start := 0; start < len(sorted); start += l.batchSize {
		end := start + l.batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		batch := sorted[start:end]

		if err := ctx.Err(); err != nil {
			for _, name := range batch {
				outcomes[name] = Failed(engine.NewLoadError(name, "load cancelled", err))
			}
			continue
		}

		l.logger.Debug().Strs("modules", batch).Int("batch", start/l.batchSize).Msg("Loading batch")

		var g errgroup.Group
		for _, name := range batch {
			g.Go(func() error {
				outcome := l.loadOne(ctx, name, candidate)
				mu.Lock()
				outcomes[name] = outcome
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	return outcomes
}

// loadOne resolves, fetches, verifies and loads a single module.
func (l *Loader) loadOne(ctx context.Context, name string, candidate *manifest.Manifest) Outcome {
	timer := telemetry.NewTimer()
	logger := l.logger.With().Str("module", name).Logger()

	a, ok := candidate.Artifact(name, l.environment)
	if !ok {
		err := engine.NewLoadError(name, "no "+l.environment+" artifact declared", nil)
		return l.finish(logger, timer, Failed(err))
	}

	ctx, span := l.tracer.StartModuleSpan(ctx, name, a.URL)
	outcome := l.fetchVerifyLoad(ctx, name, a)
	telemetry.EndSpan(span, outcome.Err)

	return l.finish(logger, timer, outcome)
}

func (l *Loader) fetchVerifyLoad(ctx context.Context, name string, a manifest.Artifact) Outcome {
	data, err := l.fetchVerified(ctx, name, a)
	if err != nil {
		return Failed(err)
	}

	mod, err := l.host.Load(ctx, name, data)
	if err != nil {
		return Failed(engine.NewLoadError(name, "failed to load module", err).WithLocation(a.URL))
	}

	return Outcome{Status: StatusLoaded, Module: mod}
}

// fetchVerified retrieves the artifact and checks its integrity. When the
// source caches bytes, a mismatch evicts the location and the artifact is
// retrieved once more, so a republished URL or a bad earlier response does
// not stick.
func (l *Loader) fetchVerified(ctx context.Context, name string, a manifest.Artifact) ([]byte, error) {
	forgetter, caching := l.src.(artifact.Forgetter)

	attempts := 1
	if caching {
		attempts = 2
	}

	var verr error
	for i := 0; i < attempts; i++ {
		data, err := l.src.Fetch(ctx, a.URL)
		if err != nil {
			return nil, engine.NewLoadError(name, "failed to fetch artifact", err).WithLocation(a.URL)
		}
		if verr = integrity.Verify(data, a.Integrity); verr == nil {
			return data, nil
		}
		if caching {
			forgetter.Forget(a.URL)
		}
	}
	return nil, engine.NewIntegrityError(name, a.URL, verr)
}

func (l *Loader) finish(logger zerolog.Logger, timer *telemetry.Timer, o Outcome) Outcome {
	o.Duration = timer.Duration()
	l.metrics.RecordModuleLoad(o.Loaded(), o.Duration)

	if o.Loaded() {
		logger.Debug().Dur("duration", o.Duration).Msg("Module loaded")
		return o
	}

	l.metrics.RecordModuleError(string(engine.KindOf(o.Err)))
	logger.Warn().Err(o.Err).Str("kind", string(engine.KindOf(o.Err))).Msg("Module failed to load")
	return o
}
