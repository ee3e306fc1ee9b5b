// Package artifact retrieves manifest documents and module artifacts by URL.
//
// A Router dispatches on the URL scheme to the configured Source: http and
// https through HTTPSource, file through FileSource, s3 through S3Source and
// sftp through SFTPSource. Cache wraps any Source with an LRU keyed by
// location.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// DefaultMaxSize caps a single retrieval at 64 MiB.
const DefaultMaxSize int64 = 64 << 20

// ErrNotFound is returned when the location does not exist.
var ErrNotFound = errors.New("artifact not found")

// ErrTooLarge is returned when a retrieval exceeds its size cap.
var ErrTooLarge = errors.New("artifact exceeds size limit")

// Source retrieves the bytes stored at a location.
type Source interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, location string) ([]byte, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

// SourceError describes a failed retrieval.
type SourceError struct {
	Op        string
	Location  string
	Err       error
	Temporary bool
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Location, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Router dispatches retrievals to a Source by URL scheme.
type Router struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register binds a source to one or more schemes.
func (r *Router) Register(src Source, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.sources[strings.ToLower(scheme)] = src
	}
}

// Schemes returns the registered schemes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.sources))
	for s := range r.sources {
		schemes = append(schemes, s)
	}
	return schemes
}

// Fetch retrieves location through the source registered for its scheme.
// Locations without a scheme are treated as file paths.
func (r *Router) Fetch(ctx context.Context, location string) ([]byte, error) {
	scheme := "file"
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		scheme = strings.ToLower(u.Scheme)
	}

	r.mu.RLock()
	src, ok := r.sources[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, &SourceError{Op: "fetch", Location: location, Err: fmt.Errorf("unsupported scheme %q", scheme)}
	}
	return src.Fetch(ctx, location)
}
