package engine

import (
	"context"
)

// Module is a loaded, executable module handle held by the registry.
type Module interface {
	// Name returns the module name the handle was loaded under.
	Name() string

	// Config returns the module's declared configuration block, if any.
	Config() (map[string]interface{}, bool)

	// Close releases the resources held by the module.
	Close(ctx context.Context) error
}

// ModuleLoader turns verified artifact bytes into an executable module.
// This is the module loading substrate used by the batch loader.
type ModuleLoader interface {
	// Load compiles and initializes a module from verified bytes.
	Load(ctx context.Context, name string, code []byte) (Module, error)
}

// PolicyUpdater receives the root module's content-security-policy text.
type PolicyUpdater interface {
	// Update replaces the current policy text. Empty clears it.
	Update(policyText string)
}
