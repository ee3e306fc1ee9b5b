package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		fetch     bool
		integrity bool
		load      bool
		admission bool
	}{
		{
			name:  "fetch",
			err:   NewFetchError("https://cdn.example.com/module-map.json", "failed to fetch manifest", cause),
			kind:  ErrorKindFetch,
			fetch: true,
		},
		{
			name:      "integrity",
			err:       NewIntegrityError("some-root", "https://cdn.example.com/some-root.wasm", cause),
			kind:      ErrorKindIntegrity,
			integrity: true,
		},
		{
			name: "load",
			err:  NewLoadError("some-root", "failed to compile module", cause),
			kind: ErrorKindLoad,
			load: true,
		},
		{
			name:      "admission",
			err:       NewAdmissionError("some-root", []string{"insecure url"}),
			kind:      ErrorKindAdmission,
			admission: true,
		},
		{
			name: "wrapped load",
			err:  fmt.Errorf("cycle: %w", NewLoadError("a", "boom", nil)),
			kind: ErrorKindLoad,
			load: true,
		},
		{
			name: "plain",
			err:  cause,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, got)
			}
			if IsFetchError(tt.err) != tt.fetch {
				t.Errorf("IsFetchError = %v, want %v", !tt.fetch, tt.fetch)
			}
			if IsIntegrityError(tt.err) != tt.integrity {
				t.Errorf("IsIntegrityError = %v, want %v", !tt.integrity, tt.integrity)
			}
			if IsLoadError(tt.err) != tt.load {
				t.Errorf("IsLoadError = %v, want %v", !tt.load, tt.load)
			}
			if IsAdmissionError(tt.err) != tt.admission {
				t.Errorf("IsAdmissionError = %v, want %v", !tt.admission, tt.admission)
			}
		})
	}
}

func TestSyncErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := NewIntegrityError("some-root", "https://cdn.example.com/a.wasm", cause)

	want := "[integrity] artifact integrity verification failed (module=some-root) (location=https://cdn.example.com/a.wasm): unexpected EOF"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the wrapped cause")
	}

	if !errors.Is(err, &SyncError{Kind: ErrorKindIntegrity}) {
		t.Error("Expected errors.Is to match on kind")
	}

	if errors.Is(err, &SyncError{Kind: ErrorKindLoad}) {
		t.Error("Expected errors.Is not to match a different kind")
	}
}

func TestAdmissionErrorDetails(t *testing.T) {
	err := NewAdmissionError("a", []string{"r1", "r2"}).WithDetail("policy", "builtin")

	reasons, ok := err.Details["reasons"].([]string)
	if !ok || len(reasons) != 2 {
		t.Fatalf("Expected 2 reasons, got %v", err.Details["reasons"])
	}
	if err.Details["policy"] != "builtin" {
		t.Errorf("Expected policy detail, got %v", err.Details["policy"])
	}
}

func TestCycleState(t *testing.T) {
	if StateFetching.String() != "fetching" {
		t.Errorf("Expected fetching, got %s", StateFetching)
	}
	if CycleState(42).String() != "unknown(42)" {
		t.Errorf("Expected unknown(42), got %s", CycleState(42))
	}

	data, err := StatePublishing.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(data) != `"publishing"` {
		t.Errorf("Expected \"publishing\", got %s", data)
	}

	if !CycleStatusPartial.Committed() || CycleStatusNoop.Committed() || CycleStatusFailed.Committed() {
		t.Error("Unexpected Committed result")
	}
}
