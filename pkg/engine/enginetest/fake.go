// Package enginetest provides in-memory module loaders for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/modsync/pkg/engine"
)

// Module is an in-memory engine.Module.
type Module struct {
	ModuleName string
	Code       []byte
	ConfigData map[string]interface{}

	closed atomic.Bool
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.ModuleName
}

// Config returns the configuration block.
func (m *Module) Config() (map[string]interface{}, bool) {
	return m.ConfigData, m.ConfigData != nil
}

// Close marks the module closed.
func (m *Module) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *Module) Closed() bool {
	return m.closed.Load()
}

// Loader is an engine.ModuleLoader that decodes artifact bytes as a JSON
// configuration block. Code starting with "fail" is rejected. Empty code or
// code that is not JSON loads a module without configuration.
type Loader struct {
	// Delay is slept before every load.
	Delay time.Duration

	mu       sync.Mutex
	loads    []string
	active   int
	maxSeen  int
	modules  []*Module
	failures map[string]error
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{failures: make(map[string]error)}
}

// FailOn makes loads of the named module fail with err.
func (l *Loader) FailOn(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[name] = err
}

// Load implements engine.ModuleLoader.
func (l *Loader) Load(ctx context.Context, name string, code []byte) (engine.Module, error) {
	l.mu.Lock()
	l.loads = append(l.loads, name)
	l.active++
	if l.active > l.maxSeen {
		l.maxSeen = l.active
	}
	failure := l.failures[name]
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()

	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failure != nil {
		return nil, failure
	}
	if len(code) >= 4 && string(code[:4]) == "fail" {
		return nil, fmt.Errorf("failed to compile module %s", name)
	}

	m := &Module{ModuleName: name, Code: code}
	var config map[string]interface{}
	if err := json.Unmarshal(code, &config); err == nil {
		m.ConfigData = config
	}

	l.mu.Lock()
	l.modules = append(l.modules, m)
	l.mu.Unlock()
	return m, nil
}

// Loads returns every name passed to Load, in call order.
func (l *Loader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

// MaxConcurrent returns the highest number of overlapping loads observed.
func (l *Loader) MaxConcurrent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSeen
}

// Modules returns every module created.
func (l *Loader) Modules() []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Module(nil), l.modules...)
}
