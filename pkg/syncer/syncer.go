package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/modsync/pkg/clientcache"
	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/openfroyo/modsync/pkg/history"
	"github.com/openfroyo/modsync/pkg/loader"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/registry"
	"github.com/openfroyo/modsync/pkg/rootmodule"
	"github.com/openfroyo/modsync/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultRetireGrace is how long replaced modules stay open after a swap.
const DefaultRetireGrace = 30 * time.Second

// ErrConcurrentCycle is returned when another cycle replaced the registry
// while this one was loading. Nothing from the losing cycle is published.
var ErrConcurrentCycle = errors.New("registry replaced by a concurrent cycle")

// ManifestFetcher retrieves the candidate manifest.
type ManifestFetcher interface {
	Fetch(ctx context.Context, baseURL string) (*manifest.Manifest, error)
}

// BatchLoader loads the named modules of a candidate manifest.
type BatchLoader interface {
	Load(ctx context.Context, names []string, candidate *manifest.Manifest) map[string]loader.Outcome
}

// Admitter decides whether a module may be loaded. A non-empty reason list
// denies it.
type Admitter interface {
	Evaluate(ctx context.Context, module string, entry manifest.ModuleEntry) ([]string, error)
}

// Config configures an Orchestrator.
type Config struct {
	// ManifestURL is the location of the manifest document.
	ManifestURL string

	// RootModule names the module whose configuration drives the CSP.
	RootModule string

	// RetireGrace delays closing replaced modules. Zero uses
	// DefaultRetireGrace; a negative value closes them immediately.
	RetireGrace time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry sets the live registry. By default an empty one is created.
func WithRegistry(live *registry.Live) Option {
	return func(o *Orchestrator) { o.live = live }
}

// WithCache sets the client manifest cache.
func WithCache(cache *clientcache.Cache) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithPolicy sets the receiver of the root module's CSP.
func WithPolicy(p engine.PolicyUpdater) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithAdmission enables admission checks before loading.
func WithAdmission(a Admitter) Option {
	return func(o *Orchestrator) { o.admission = a }
}

// WithHistory records effective and failed cycles in store.
func WithHistory(store history.Store) Option {
	return func(o *Orchestrator) { o.history = store }
}

// WithTelemetry sets the logging, metrics, tracing and events bundle.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = tel }
}

// Orchestrator runs sync cycles: fetch, diff, admit, load, swap, publish.
// It is the only writer of the live registry and the client cache.
type Orchestrator struct {
	cfg       Config
	fetcher   ManifestFetcher
	loader    BatchLoader
	live      *registry.Live
	cache     *clientcache.Cache
	policy    engine.PolicyUpdater
	admission Admitter
	history   history.Store
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	retirer   *retirer

	state atomic.Int32

	mu          sync.RWMutex
	last        *Result
	lastErr     error
	lastSuccess time.Time
}

// New creates an orchestrator.
func New(cfg Config, fetcher ManifestFetcher, ld BatchLoader, opts ...Option) (*Orchestrator, error) {
	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("manifest url is required")
	}
	if fetcher == nil || ld == nil {
		return nil, fmt.Errorf("fetcher and loader are required")
	}
	if cfg.RetireGrace == 0 {
		cfg.RetireGrace = DefaultRetireGrace
	}

	o := &Orchestrator{cfg: cfg, fetcher: fetcher, loader: ld}
	for _, opt := range opts {
		opt(o)
	}
	if o.live == nil {
		o.live = registry.NewLive(nil)
	}
	if o.cache == nil {
		o.cache = clientcache.New()
	}
	if o.tel == nil {
		o.tel = telemetry.Nop()
	}

	o.logger = o.tel.Logger.Zerolog().With().Str("component", "syncer").Logger()
	o.retirer = newRetirer(cfg.RetireGrace, o.logger)
	return o, nil
}

// Registry returns the live registry holder.
func (o *Orchestrator) Registry() *registry.Live { return o.live }

// Cache returns the client manifest cache.
func (o *Orchestrator) Cache() *clientcache.Cache { return o.cache }

// State returns the current cycle state.
func (o *Orchestrator) State() engine.CycleState {
	return engine.CycleState(o.state.Load())
}

func (o *Orchestrator) setState(s engine.CycleState) {
	o.state.Store(int32(s))
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State       engine.CycleState `json:"state"`
	Generation  uint64            `json:"generation"`
	Modules     []string          `json:"modules"`
	LastCycle   *Result           `json:"last_cycle,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	LastSuccess *time.Time        `json:"last_success,omitempty"`
	Retiring    int               `json:"retiring"`
}

// Status reports the current state, registry and last cycle.
func (o *Orchestrator) Status() Status {
	reg := o.live.Load()

	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{
		State:      o.State(),
		Generation: reg.Generation(),
		Modules:    reg.Names(),
		LastCycle:  o.last,
		Retiring:   o.retirer.count(),
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	if !o.lastSuccess.IsZero() {
		t := o.lastSuccess
		st.LastSuccess = &t
	}
	return st
}

// Sync runs one cycle. A manifest fetch failure aborts the cycle with a
// FetchError and changes nothing. Module failures never fail the cycle: the
// loaded subset is committed and failures are reported in the Result.
func (o *Orchestrator) Sync(ctx context.Context) (*Result, error) {
	result := newResult(uuid.NewString(), time.Now().UTC())
	logger := o.logger.With().Str("cycle_id", result.CycleID).Logger()

	ctx, span := o.tel.Tracer.StartCycleSpan(ctx, result.CycleID)
	o.tel.Metrics.RecordCycleStarted()
	_ = o.tel.Events.PublishSyncStarted(result.CycleID, o.cfg.ManifestURL)
	logger.Debug().Str("manifest", o.cfg.ManifestURL).Msg("Sync cycle started")

	defer o.setState(engine.StateIdle)

	err := o.run(ctx, logger, result)
	result.Duration = time.Since(result.StartedAt)
	span.SetAttributes(
		telemetry.AttrCycleStatus.String(string(result.Status)),
		telemetry.AttrGeneration.Int64(int64(result.Generation)),
		telemetry.AttrToAdd.Int(len(result.Diff.ToAdd)),
		telemetry.AttrToUpdate.Int(len(result.Diff.ToUpdate)),
		telemetry.AttrToRemove.Int(len(result.Diff.ToRemove)),
	)
	telemetry.EndSpan(span, err)

	o.complete(ctx, logger, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, logger zerolog.Logger, result *Result) error {
	o.setState(engine.StateFetching)
	op := telemetry.StartOperation(o.tel.WithContext(ctx), "manifest.fetch",
		telemetry.AttrCycleID.String(result.CycleID),
		telemetry.AttrManifestURL.String(o.cfg.ManifestURL),
	)
	candidate, err := o.fetcher.Fetch(op.Ctx, o.cfg.ManifestURL)
	op.End(err)
	if err != nil {
		o.tel.Metrics.RecordFetchError()
		result.Status = engine.CycleStatusFailed
		result.Generation = o.live.Load().Generation()
		if !engine.IsFetchError(err) {
			err = engine.NewFetchError(o.cfg.ManifestURL, "failed to fetch manifest", err)
		}
		return err
	}
	op.Logger.WithCycleID(result.CycleID).Debugf("Manifest fetched with %d modules in %s", candidate.Len(), op.Timer.Duration())

	o.setState(engine.StateDiffing)
	current := o.live.Load()
	changes := registry.Diff(candidate, current)
	result.Diff = changes
	result.Generation = current.Generation()
	if changes.Empty() {
		logger.Debug().Int("modules", candidate.Len()).Msg("Manifest unchanged")
		if !o.cache.Load().Published() {
			// A first manifest that matches the initial registry still
			// makes the module map available.
			published, err := o.cache.PublishFor(o.live.Load, current, snapshotManifest(candidate, current, nil))
			if err != nil {
				logger.Error().Err(err).Msg("Failed to render client manifest")
			}
			result.SnapshotPublished = published
			o.tel.Metrics.RecordSnapshotPublish(published)
		}
		return nil
	}

	logger.Info().
		Int("add", len(changes.ToAdd)).
		Int("update", len(changes.ToUpdate)).
		Int("remove", len(changes.ToRemove)).
		Msg("Manifest changed")

	outcomes := make(map[string]loader.Outcome, len(changes.ToAdd)+len(changes.ToUpdate))
	admitted := o.admit(ctx, logger, result.CycleID, changes.ToLoad(), candidate, outcomes)

	o.setState(engine.StateLoading)
	if len(admitted) > 0 {
		for name, outcome := range o.loader.Load(ctx, admitted, candidate) {
			outcomes[name] = outcome
		}
	}

	o.setState(engine.StatePublishing)
	return o.publish(logger, result, current, candidate, changes, outcomes)
}

// admit evaluates the admission policy for names and records a failed
// outcome for each denied module. It returns the admitted names in order.
func (o *Orchestrator) admit(ctx context.Context, logger zerolog.Logger, cycleID string, names []string, candidate *manifest.Manifest, outcomes map[string]loader.Outcome) []string {
	if o.admission == nil {
		return names
	}

	admitted := make([]string, 0, len(names))
	for _, name := range names {
		entry, _ := candidate.Get(name)
		reasons, err := o.admission.Evaluate(ctx, name, entry)
		if err != nil {
			reasons = []string{err.Error()}
		}
		if len(reasons) == 0 {
			admitted = append(admitted, name)
			continue
		}

		o.tel.Metrics.RecordAdmissionDenial()
		_ = o.tel.Events.PublishModuleDenied(cycleID, name, reasons)
		logger.Warn().Str("module", name).Strs("reasons", reasons).Msg("Module denied by admission policy")
		outcomes[name] = loader.Failed(engine.NewAdmissionError(name, reasons))
	}
	return admitted
}

// publish swaps in the new registry, then updates the client snapshot and
// the policy. Failed adds are dropped and failed updates keep their entry.
func (o *Orchestrator) publish(logger zerolog.Logger, result *Result, current *registry.Registry, candidate *manifest.Manifest, changes registry.Changes, outcomes map[string]loader.Outcome) error {
	now := time.Now().UTC()

	var upserts []registry.Entry
	for name, outcome := range outcomes {
		if !outcome.Loaded() {
			result.Failed[name] = outcome.Err
			continue
		}
		entry, _ := candidate.Get(name)
		upserts = append(upserts, registry.Entry{
			Name:     name,
			Module:   outcome.Module,
			Source:   entry.Clone(),
			LoadedAt: now,
		})
		result.Changed = append(result.Changed, name)
		result.Loaded[name] = entry.Clone()
	}
	sort.Strings(result.Changed)
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Name < upserts[j].Name })

	next := current.Apply(changes.ToRemove, upserts)
	if !o.live.CompareAndSwap(current, next) {
		// Another cycle won; the handles loaded here were never visible.
		retired := make([]engine.Module, 0, len(upserts))
		for _, e := range upserts {
			retired = append(retired, e.Module)
		}
		o.retirer.closeAll(retired)
		result.Status = engine.CycleStatusFailed
		result.Changed = []string{}
		result.Loaded = map[string]manifest.ModuleEntry{}
		return ErrConcurrentCycle
	}

	result.Generation = next.Generation()
	if len(result.Failed) > 0 {
		result.Status = engine.CycleStatusPartial
	} else {
		result.Status = engine.CycleStatusSucceeded
	}
	o.tel.Metrics.SetRegistry(next.Len(), next.Generation())

	// Handles replaced or removed by the swap.
	var retired []engine.Module
	for _, e := range upserts {
		if old, ok := current.Get(e.Name); ok && old.Module != nil {
			retired = append(retired, old.Module)
		}
	}
	for _, name := range changes.ToRemove {
		if old, ok := current.Get(name); ok && old.Module != nil {
			retired = append(retired, old.Module)
		}
		_ = o.tel.Events.PublishModuleRemoved(result.CycleID, name)
	}
	o.retirer.retire(retired)

	for _, name := range result.Changed {
		_ = o.tel.Events.PublishModuleLoaded(result.CycleID, name)
	}
	for _, name := range result.FailedNames() {
		err := result.Failed[name]
		_ = o.tel.Events.PublishModuleFailed(result.CycleID, name, string(engine.KindOf(err)), err.Error())
	}

	published, err := o.cache.PublishFor(o.live.Load, next, snapshotManifest(candidate, next, result.Failed))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to render client manifest")
	}
	result.SnapshotPublished = published
	o.tel.Metrics.RecordSnapshotPublish(published)
	if published {
		_ = o.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeSnapshotUpdated,
			Source:  "clientcache",
			CycleID: result.CycleID,
			Message: fmt.Sprintf("Client manifest updated to generation %d", next.Generation()),
			Level:   telemetry.EventLevelInfo,
			Data:    map[string]interface{}{"generation": next.Generation(), "modules": next.Len()},
		})
	}

	if o.policy != nil && o.cfg.RootModule != "" {
		if rootmodule.Apply(next, o.cfg.RootModule, o.policy) {
			result.PolicyApplied = true
			o.tel.Metrics.RecordPolicyUpdate()
			_ = o.tel.Events.PublishPolicyUpdated(result.CycleID, o.cfg.RootModule)
		} else {
			logger.Debug().Str("root", o.cfg.RootModule).Msg("Root module not loaded, policy unchanged")
		}
	}

	return nil
}

// snapshotManifest is the candidate restricted to the modules in reg, with
// failed updates represented by the entry they kept.
func snapshotManifest(candidate *manifest.Manifest, reg *registry.Registry, failed map[string]error) *manifest.Manifest {
	snap := candidate.Subset(reg.Names())
	for name := range failed {
		if e, ok := reg.Get(name); ok {
			snap.Modules[name] = e.Source.Clone()
		}
	}
	return snap
}

// complete records the cycle's outcome in metrics, events, history and the
// status view.
func (o *Orchestrator) complete(ctx context.Context, logger zerolog.Logger, result *Result, err error) {
	o.tel.Metrics.RecordCycleCompleted(string(result.Status), result.Duration)

	o.mu.Lock()
	o.last = result
	o.lastErr = err
	if err == nil {
		o.lastSuccess = time.Now().UTC()
	}
	o.mu.Unlock()

	if err != nil {
		_ = o.tel.Events.PublishSyncFailed(result.CycleID, err.Error())
		logger.Error().Err(err).Dur("duration", result.Duration).Msg("Sync cycle failed")
	} else {
		_ = o.tel.Events.PublishSyncCompleted(result.CycleID, string(result.Status), result.Generation, result.Duration)
		event := logger.Info()
		if result.Status == engine.CycleStatusNoop {
			event = logger.Debug()
		}
		event.
			Str("status", string(result.Status)).
			Strs("changed", result.Changed).
			Int("failed", len(result.Failed)).
			Uint64("generation", result.Generation).
			Dur("duration", result.Duration).
			Msg("Sync cycle completed")
	}

	if o.history == nil || result.Status == engine.CycleStatusNoop {
		return
	}
	cycle := &history.Cycle{
		ID:         result.CycleID,
		StartedAt:  result.StartedAt,
		FinishedAt: result.StartedAt.Add(result.Duration),
		Status:     result.Status,
		Added:      intersect(result.Diff.ToAdd, result.Changed),
		Updated:    intersect(result.Diff.ToUpdate, result.Changed),
		Removed:    result.Diff.ToRemove,
		Failed:     result.FailureReasons(),
		Generation: result.Generation,
	}
	if err != nil {
		cycle.Error = err.Error()
	}
	if herr := o.history.Record(ctx, cycle); herr != nil {
		logger.Warn().Err(herr).Msg("Failed to record cycle history")
	}
}

// intersect returns the names of a that also appear in sorted b.
func intersect(a, b []string) []string {
	out := []string{}
	for _, name := range a {
		i := sort.SearchStrings(b, name)
		if i < len(b) && b[i] == name {
			out = append(out, name)
		}
	}
	return out
}

// Close closes every module awaiting retirement. Modules in the live
// registry are left to the caller.
func (o *Orchestrator) Close() {
	o.retirer.flush()
}

// Shutdown retires and closes every module in the live registry.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.retirer.flush()

	reg := o.live.Load()
	var errs []error
	for _, e := range reg.Entries() {
		if e.Module == nil {
			continue
		}
		if err := e.Module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}
