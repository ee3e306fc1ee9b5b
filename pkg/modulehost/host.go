// Package modulehost loads server-side module artifacts as WebAssembly
// modules on a shared wazero runtime.
//
// Each artifact may carry a configuration block: a JSON object stored in the
// custom section named by ConfigSection. The block is read at compile time and
// exposed through Module.Config. Modules are instantiated with WASI and an
// "env" host module, and run their "_initialize" export if they have one.
package modulehost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ConfigSection is the custom section holding a module's configuration block.
const ConfigSection = "modsync.config"

// Config contains configuration for the module host.
type Config struct {
	// Timeout bounds compilation and initialization of a single module.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// CacheDir persists compiled modules across restarts when set.
	CacheDir string
}

// DefaultConfig returns the default host configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// Host compiles and instantiates modules. It implements engine.ModuleLoader.
type Host struct {
	runtime wazero.Runtime
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

var _ engine.ModuleLoader = (*Host)(nil)

// NewHost creates a wazero runtime with WASI and the env host module.
func NewHost(ctx context.Context, cfg Config, logger zerolog.Logger) (*Host, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true).
		WithCustomSections(true)

	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		runtimeConfig = runtimeConfig.WithCompilationCache(cache)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	h := &Host{
		runtime: runtime,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "modulehost").Logger(),
	}

	builder := runtime.NewHostModuleBuilder("env")
	h.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return h, nil
}

// registerHostFunctions registers functions modules can import from "env".
func (h *Host) registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				h.logger.Warn().Msg("Module log call out of memory bounds")
				return
			}
			h.logger.Info().Str("module", mod.Name()).Msg(string(msg))
		}).
		Export("log")
}

// Load compiles code, extracts its configuration block and instantiates it.
func (h *Host) Load(ctx context.Context, name string, code []byte) (engine.Module, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("module host is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	compiled, err := h.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	config, hasConfig, err := readConfig(compiled)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	moduleLogger := h.logger.With().Str("module", name).Logger()
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(moduleLogger).
		WithStderr(moduleLogger)

	instance, err := h.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	mod := &Module{
		name:      name,
		compiled:  compiled,
		instance:  instance,
		config:    config,
		hasConfig: hasConfig,
	}
	moduleLogger.Debug().
		Strs("exports", mod.Exports()).
		Bool("config", hasConfig).
		Msg("Module instantiated")
	return mod, nil
}

// Close closes the runtime and every module instantiated on it.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// readConfig decodes the configuration custom section, if present.
func readConfig(compiled wazero.CompiledModule) (map[string]interface{}, bool, error) {
	for _, section := range compiled.CustomSections() {
		if section.Name() != ConfigSection {
			continue
		}
		var config map[string]interface{}
		if err := json.Unmarshal(section.Data(), &config); err != nil {
			return nil, false, fmt.Errorf("failed to parse %s section: %w", ConfigSection, err)
		}
		if config == nil {
			return nil, false, fmt.Errorf("%s section must hold a JSON object", ConfigSection)
		}
		return config, true, nil
	}
	return nil, false, nil
}

// Module is a module instantiated on a Host.
type Module struct {
	name      string
	compiled  wazero.CompiledModule
	instance  api.Module
	config    map[string]interface{}
	hasConfig bool

	closeOnce sync.Once
	closeErr  error
}

var _ engine.Module = (*Module)(nil)

// Name returns the name the module was loaded under.
func (m *Module) Name() string {
	return m.name
}

// Config returns the configuration block declared by the module.
func (m *Module) Config() (map[string]interface{}, bool) {
	return m.config, m.hasConfig
}

// Exports returns the names of the functions the module exports, sorted.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the module instance and its compiled code.
func (m *Module) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if err := m.instance.Close(ctx); err != nil {
			m.closeErr = fmt.Errorf("failed to close WASM module: %w", err)
		}
		if err := m.compiled.Close(ctx); err != nil && m.closeErr == nil {
			m.closeErr = fmt.Errorf("failed to close compiled module: %w", err)
		}
	})
	return m.closeErr
}
