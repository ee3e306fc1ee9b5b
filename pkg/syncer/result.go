package syncer

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/registry"
)

// Result describes one sync cycle.
type Result struct {
	CycleID string             `json:"cycle_id"`
	Status  engine.CycleStatus `json:"status"`

	// Diff is the reconciliation plan computed for the cycle.
	Diff registry.Changes `json:"diff"`

	// Changed lists the modules that loaded, sorted.
	Changed []string `json:"changed"`

	// Loaded holds the manifest entry of each changed module.
	Loaded map[string]manifest.ModuleEntry `json:"loaded"`

	// Failed holds the classified error of each module that did not load.
	Failed map[string]error `json:"-"`

	Generation        uint64        `json:"generation"`
	SnapshotPublished bool          `json:"snapshot_published"`
	PolicyApplied     bool          `json:"policy_applied"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

func newResult(cycleID string, started time.Time) *Result {
	return &Result{
		CycleID:   cycleID,
		Status:    engine.CycleStatusNoop,
		Diff:      registry.Changes{ToAdd: []string{}, ToUpdate: []string{}, ToRemove: []string{}},
		Changed:   []string{},
		Loaded:    map[string]manifest.ModuleEntry{},
		Failed:    map[string]error{},
		StartedAt: started,
	}
}

// FailureReasons returns the error text of each failed module.
func (r *Result) FailureReasons() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for name, err := range r.Failed {
		out[name] = err.Error()
	}
	return out
}

// FailedNames returns the failed module names, sorted.
func (r *Result) FailedNames() []string {
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders failures as text.
func (r *Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		*alias
		Failed     map[string]string `json:"failed"`
		DurationMS int64             `json:"duration_ms"`
	}{
		alias:      (*alias)(r),
		Failed:     r.FailureReasons(),
		DurationMS: r.Duration.Milliseconds(),
	})
}
