package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/rs/zerolog"
)

// Policy is a rego module contributing deny rules.
type Policy struct {
	// Name identifies the policy, usually its file path.
	Name string `json:"name"`

	// Description is a human readable summary.
	Description string `json:"description,omitempty"`

	// Rego is the policy source.
	Rego string `json:"-"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin"`
}

// Input is the document a policy sees as input.
type Input struct {
	Module        string                       `json:"module"`
	Artifacts     map[string]manifest.Artifact `json:"artifacts"`
	Environment   string                       `json:"environment"`
	AllowInsecure bool                         `json:"allow_insecure"`
}

// Options configures an Engine.
type Options struct {
	// Environment is the server environment modules are loaded for.
	Environment string

	// AllowInsecure permits plain http artifact URLs.
	AllowInsecure bool

	// Paths lists extra .rego files or directories.
	Paths []string
}

// Engine evaluates admission policies against candidate modules.
type Engine struct {
	mu       sync.RWMutex
	query    rego.PreparedEvalQuery
	policies []Policy
	compiled time.Time

	opts   Options
	loader *Loader
	logger zerolog.Logger
}

// NewEngine compiles the built-in policies plus any found under opts.Paths.
func NewEngine(ctx context.Context, logger zerolog.Logger, opts Options) (*Engine, error) {
	if opts.Environment == "" {
		opts.Environment = manifest.EnvNode
	}

	e := &Engine{
		opts:   opts,
		logger: logger.With().Str("component", "admission").Logger(),
	}
	e.loader = NewLoader(e.logger)

	extra, err := e.loader.LoadFromPaths(ctx, opts.Paths)
	if err != nil {
		return nil, err
	}
	if err := e.Reload(ctx, extra); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles the engine with the built-in policies plus extra. On
// error the previously compiled set stays in effect.
func (e *Engine) Reload(ctx context.Context, extra []Policy) error {
	policies := append(BuiltinPolicies(), extra...)

	options := []func(*rego.Rego){rego.Query(DenyQuery)}
	for _, p := range policies {
		if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
		options = append(options, rego.Module(p.Name, p.Rego))
	}

	query, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare admission query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.policies = policies
	e.compiled = time.Now()
	e.mu.Unlock()

	e.logger.Info().
		Int("policies", len(policies)).
		Int("extra", len(extra)).
		Msg("Admission policies compiled")
	return nil
}

// Evaluate returns the reasons the module is denied, sorted. An empty result
// admits the module. The error reports an evaluation failure, not a denial.
func (e *Engine) Evaluate(ctx context.Context, module string, entry manifest.ModuleEntry) ([]string, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	input := Input{
		Module:        module,
		Artifacts:     map[string]manifest.Artifact(entry),
		Environment:   e.opts.Environment,
		AllowInsecure: e.opts.AllowInsecure,
	}
	if input.Artifacts == nil {
		input.Artifacts = map[string]manifest.Artifact{}
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("admission evaluation failed for %s: %w", module, err)
	}

	var reasons []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			reasons = append(reasons, reasonText(d))
		}
	}
	sort.Strings(reasons)

	if len(reasons) > 0 {
		e.logger.Debug().
			Str("module", module).
			Strs("reasons", reasons).
			Msg("Module denied")
	}
	return reasons, nil
}

// reasonText renders a deny value. Rules may produce plain strings or
// objects carrying a message field.
func reasonText(v interface{}) string {
	switch d := v.(type) {
	case string:
		return d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// Policies lists the compiled policies.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Watch recompiles the engine whenever a .rego file under the configured
// paths changes. It returns immediately; watching stops when ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.opts.Paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.opts.Paths, func(policies []Policy) error {
		return e.Reload(ctx, policies)
	})
}

// Close stops any active watch.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}
