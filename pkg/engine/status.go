package engine

import (
	"encoding/json"
	"fmt"
)

// CycleState represents the orchestrator's position in a sync cycle.
type CycleState int32

const (
	// StateIdle indicates no cycle is running.
	StateIdle CycleState = iota

	// StateFetching indicates the manifest is being retrieved.
	StateFetching

	// StateDiffing indicates the candidate manifest is compared with the registry.
	StateDiffing

	// StateLoading indicates changed modules are being loaded.
	StateLoading

	// StatePublishing indicates the registry, snapshot and policy are being published.
	StatePublishing
)

var cycleStateNames = map[CycleState]string{
	StateIdle:       "idle",
	StateFetching:   "fetching",
	StateDiffing:    "diffing",
	StateLoading:    "loading",
	StatePublishing: "publishing",
}

// String returns the lowercase state name.
func (s CycleState) String() string {
	if name, ok := cycleStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// MarshalJSON encodes the state as its name.
func (s CycleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *CycleState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range cycleStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown cycle state %q", name)
}

// CycleStatus is the final status of a sync cycle.
type CycleStatus string

const (
	// CycleStatusNoop indicates the manifest did not change.
	CycleStatusNoop CycleStatus = "noop"

	// CycleStatusSucceeded indicates every selected module was loaded.
	CycleStatusSucceeded CycleStatus = "succeeded"

	// CycleStatusPartial indicates some modules failed and the rest were committed.
	CycleStatusPartial CycleStatus = "partial"

	// CycleStatusFailed indicates the cycle aborted before publishing.
	CycleStatusFailed CycleStatus = "failed"
)

// Committed returns true if the cycle published a new registry.
func (s CycleStatus) Committed() bool {
	return s == CycleStatusSucceeded || s == CycleStatusPartial
}
