// Package rootmodule reads the configuration declared by the designated root
// module of a registry.
package rootmodule

import (
	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/openfroyo/modsync/pkg/registry"
)

// CSPKey is the configuration key holding the content security policy.
const CSPKey = "csp"

// Config is the root module's configuration block.
type Config struct {
	// CSP is the declared policy text; nil when the module declares none.
	CSP *string

	// Raw is the full configuration block.
	Raw map[string]interface{}
}

// Policy returns the CSP text, or empty when none is declared.
func (c *Config) Policy() string {
	if c == nil || c.CSP == nil {
		return ""
	}
	return *c.CSP
}

// ExtractConfig returns the configuration of rootName in reg. The second
// result is false when the root module is not loaded. A loaded root module
// without a configuration block yields an empty Config.
func ExtractConfig(reg *registry.Registry, rootName string) (*Config, bool) {
	entry, ok := reg.Get(rootName)
	if !ok || entry.Module == nil {
		return nil, false
	}
	return FromModule(entry.Module), true
}

// FromModule builds a Config from a module's configuration block. A csp
// value that is not a string is ignored.
func FromModule(m engine.Module) *Config {
	raw, ok := m.Config()
	if !ok || raw == nil {
		return &Config{Raw: map[string]interface{}{}}
	}

	cfg := &Config{Raw: raw}
	if v, ok := raw[CSPKey].(string); ok {
		cfg.CSP = &v
	}
	return cfg
}

// Apply pushes the root module's policy into updater. It returns false, and
// leaves updater untouched, when the root module is not loaded.
func Apply(reg *registry.Registry, rootName string, updater engine.PolicyUpdater) bool {
	cfg, ok := ExtractConfig(reg, rootName)
	if !ok {
		return false
	}
	updater.Update(cfg.Policy())
	return true
}
