package rootmodule

import (
	"testing"

	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/openfroyo/modsync/pkg/engine/enginetest"
	"github.com/openfroyo/modsync/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRoot(config map[string]interface{}) *registry.Registry {
	return registry.New(registry.Entry{
		Name:   "some-root",
		Module: &enginetest.Module{ModuleName: "some-root", ConfigData: config},
	})
}

func TestExtractConfig(t *testing.T) {
	tests := []struct {
		name       string
		reg        *registry.Registry
		wantOK     bool
		wantCSP    bool
		wantPolicy string
	}{
		{name: "absent root", reg: registry.New(), wantOK: false},
		{name: "no config block", reg: withRoot(nil), wantOK: true},
		{name: "config without csp", reg: withRoot(map[string]interface{}{"providedExternals": []interface{}{"react"}}), wantOK: true},
		{name: "csp not a string", reg: withRoot(map[string]interface{}{"csp": 42.0}), wantOK: true},
		{name: "csp", reg: withRoot(map[string]interface{}{"csp": "default-src 'self';"}), wantOK: true, wantCSP: true, wantPolicy: "default-src 'self';"},
		{name: "empty csp", reg: withRoot(map[string]interface{}{"csp": ""}), wantOK: true, wantCSP: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, ok := ExtractConfig(tt.reg, "some-root")
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				assert.Nil(t, cfg)
				assert.Equal(t, "", cfg.Policy())
				return
			}
			require.NotNil(t, cfg)
			assert.Equal(t, tt.wantCSP, cfg.CSP != nil)
			assert.Equal(t, tt.wantPolicy, cfg.Policy())
			assert.NotNil(t, cfg.Raw)
		})
	}
}

func TestApply(t *testing.T) {
	store := csp.NewStore("default-src 'none';")

	assert.False(t, Apply(registry.New(), "some-root", store))
	assert.Equal(t, "default-src 'none';", store.Policy(), "absent root leaves the store untouched")

	assert.True(t, Apply(withRoot(map[string]interface{}{"csp": "script-src 'self';"}), "some-root", store))
	assert.Equal(t, "script-src 'self';", store.Policy())

	assert.True(t, Apply(withRoot(nil), "some-root", store))
	assert.Equal(t, "", store.Policy(), "a root without csp clears the policy")
}
