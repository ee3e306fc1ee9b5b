package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a synchronization failure.
type ErrorKind string

const (
	// ErrorKindFetch indicates the manifest could not be retrieved or parsed.
	// It is the only kind that aborts a whole cycle.
	ErrorKindFetch ErrorKind = "fetch"

	// ErrorKindIntegrity indicates fetched artifact bytes do not match the
	// declared integrity token.
	ErrorKindIntegrity ErrorKind = "integrity"

	// ErrorKindLoad indicates an artifact could not be retrieved, compiled or
	// initialized after integrity verification.
	ErrorKindLoad ErrorKind = "load"

	// ErrorKindAdmission indicates the admission policy rejected a module.
	ErrorKindAdmission ErrorKind = "admission"
)

// SyncError represents a classified error with module context.
// nolint:revive // SyncError is intentionally named to distinguish from standard errors
type SyncError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Module is the module name that caused the error, if applicable.
	Module string `json:"module,omitempty"`

	// Location is the manifest or artifact location involved, if applicable.
	Location string `json:"location,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Module != "" {
		msg += fmt.Sprintf(" (module=%s)", e.Module)
	}
	if e.Location != "" {
		msg += fmt.Sprintf(" (location=%s)", e.Location)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a SyncError of the same kind.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewFetchError creates a new manifest fetch error.
func NewFetchError(location, message string, err error) *SyncError {
	return &SyncError{
		Kind:     ErrorKindFetch,
		Message:  message,
		Location: location,
		Err:      err,
	}
}

// NewIntegrityError creates a new integrity verification error.
func NewIntegrityError(module, location string, err error) *SyncError {
	return &SyncError{
		Kind:     ErrorKindIntegrity,
		Message:  "artifact integrity verification failed",
		Module:   module,
		Location: location,
		Err:      err,
	}
}

// NewLoadError creates a new module load error.
func NewLoadError(module, message string, err error) *SyncError {
	return &SyncError{
		Kind:    ErrorKindLoad,
		Message: message,
		Module:  module,
		Err:     err,
	}
}

// NewAdmissionError creates a new admission denial.
func NewAdmissionError(module string, reasons []string) *SyncError {
	return &SyncError{
		Kind:    ErrorKindAdmission,
		Message: "module rejected by admission policy",
		Module:  module,
		Details: map[string]interface{}{"reasons": reasons},
	}
}

// WithLocation adds location context to an error.
func (e *SyncError) WithLocation(location string) *SyncError {
	e.Location = location
	return e
}

// WithDetail adds a detail field to the error context.
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of a classified error, or empty for other errors.
func KindOf(err error) ErrorKind {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFetchError returns true if the error is a manifest fetch failure.
func IsFetchError(err error) bool {
	return KindOf(err) == ErrorKindFetch
}

// IsIntegrityError returns true if the error is an integrity mismatch.
func IsIntegrityError(err error) bool {
	return KindOf(err) == ErrorKindIntegrity
}

// IsLoadError returns true if the error is a module load failure.
func IsLoadError(err error) bool {
	return KindOf(err) == ErrorKindLoad
}

// IsAdmissionError returns true if the error is an admission denial.
func IsAdmissionError(err error) bool {
	return KindOf(err) == ErrorKindAdmission
}
