package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/modsync/pkg/integrity"
	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from the location's extension. Anything other
// than .yaml or .yml is decoded as JSON.
func FormatFor(location string) Format {
	p := location
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode parses a manifest document.
func Decode(data []byte, format Format) (*Manifest, error) {
	m := &Manifest{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
		}
	}
	return m, nil
}

// Validator checks manifests for structural problems.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the integrity token rule registered.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("integrity", func(fl validator.FieldLevel) bool {
		_, err := integrity.Parse(fl.Field().String())
		return err == nil
	})
	return &Validator{validate: v}
}

// Validate returns every problem found in m, joined.
func (v *Validator) Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest is empty")
	}
	if err := v.validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	var errs []error
	for _, name := range m.Names() {
		entry := m.Modules[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("module name is required"))
			continue
		}
		if len(entry) == 0 {
			errs = append(errs, fmt.Errorf("module %s: at least one environment is required", name))
			continue
		}
		for _, env := range entry.Environments() {
			if err := v.validate.Struct(entry[env]); err != nil {
				errs = append(errs, fmt.Errorf("module %s, environment %s: %w", name, env, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Resolve returns a copy of m with every relative artifact URL resolved
// against base. Absolute URLs are kept as is.
func Resolve(m *Manifest, base string) (*Manifest, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base location %q: %w", base, err)
	}

	out := m.Clone()
	for name, entry := range out.Modules {
		for env, a := range entry {
			ref, err := url.Parse(a.URL)
			if err != nil {
				return nil, fmt.Errorf("module %s, environment %s: invalid url %q: %w", name, env, a.URL, err)
			}
			if ref.IsAbs() {
				continue
			}
			a.URL = baseURL.ResolveReference(ref).String()
			entry[env] = a
		}
	}
	return out, nil
}
