package manifest

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/modsync/pkg/artifact"
	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emptySRI = "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="

func sampleManifest() *Manifest {
	return &Manifest{
		Key: "abc",
		Modules: map[string]ModuleEntry{
			"some-root": {
				EnvNode:    {URL: "https://cdn.example.com/some-root/1.1.1/some-root.node.wasm", Integrity: emptySRI},
				EnvBrowser: {URL: "https://cdn.example.com/some-root/1.1.1/some-root.browser.js", Integrity: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
			},
			"another": {
				EnvNode: {URL: "another/2.0.0/another.wasm", Integrity: emptySRI},
			},
		},
	}
}

func TestManifestCloneAndSubset(t *testing.T) {
	m := sampleManifest()

	clone := m.Clone()
	require.True(t, m.Equal(clone))
	clone.Modules["some-root"][EnvNode] = Artifact{URL: "changed", Integrity: emptySRI}
	assert.Equal(t, "https://cdn.example.com/some-root/1.1.1/some-root.node.wasm", m.Modules["some-root"][EnvNode].URL)
	assert.False(t, m.Equal(clone))

	sub := m.Subset([]string{"another", "missing"})
	assert.Equal(t, []string{"another"}, sub.Names())
	assert.Equal(t, "abc", sub.Key)

	with := m.With("third", ModuleEntry{EnvNode: {URL: "x", Integrity: emptySRI}})
	assert.Equal(t, 3, with.Len())
	assert.Equal(t, 2, m.Len())

	assert.Equal(t, []string{"another", "some-root"}, m.Names())
	assert.Equal(t, []string{EnvBrowser, EnvNode}, m.Modules["some-root"].Environments())
}

func TestModuleEntrySameIntegrity(t *testing.T) {
	a := ModuleEntry{EnvNode: {URL: "a", Integrity: "x"}}
	b := ModuleEntry{EnvNode: {URL: "b", Integrity: "x"}}
	c := ModuleEntry{EnvNode: {URL: "a", Integrity: "y"}}
	d := ModuleEntry{EnvNode: {URL: "a", Integrity: "x"}, EnvBrowser: {URL: "a", Integrity: "x"}}

	assert.True(t, a.SameIntegrity(b))
	assert.False(t, a.SameIntegrity(c))
	assert.False(t, a.SameIntegrity(d))
	assert.False(t, a.Equal(b))
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		location string
		want     Format
	}{
		{"https://cdn.example.com/module-map.json", FormatJSON},
		{"https://cdn.example.com/module-map.yaml?v=1", FormatYAML},
		{"file:///srv/module-map.YML", FormatYAML},
		{"/srv/module-map", FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFor(tt.location))
		})
	}
}

func TestDecode(t *testing.T) {
	jsonDoc := `{"key":"k1","modules":{"a":{"node":{"url":"a.wasm","integrity":"` + emptySRI + `"}}}}`
	m, err := Decode([]byte(jsonDoc), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "k1", m.Key)
	assert.Equal(t, "a.wasm", m.Modules["a"][EnvNode].URL)

	yamlDoc := "modules:\n  a:\n    node:\n      url: a.wasm\n      integrity: " + emptySRI + "\n"
	m, err = Decode([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, emptySRI, m.Modules["a"][EnvNode].Integrity)

	_, err = Decode([]byte("{not json"), FormatJSON)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.Validate(sampleManifest()))
	require.NoError(t, v.Validate(New()), "an empty module map is valid")

	tests := []struct {
		name    string
		m       *Manifest
		wantErr string
	}{
		{name: "missing modules", m: &Manifest{}, wantErr: "invalid manifest"},
		{name: "empty name", m: &Manifest{Modules: map[string]ModuleEntry{"": {EnvNode: {URL: "a", Integrity: emptySRI}}}}, wantErr: "module name is required"},
		{name: "no environments", m: &Manifest{Modules: map[string]ModuleEntry{"a": {}}}, wantErr: "at least one environment"},
		{name: "missing url", m: &Manifest{Modules: map[string]ModuleEntry{"a": {EnvNode: {Integrity: emptySRI}}}}, wantErr: "module a, environment node"},
		{name: "bad integrity", m: &Manifest{Modules: map[string]ModuleEntry{"a": {EnvNode: {URL: "a", Integrity: "md5-abc"}}}}, wantErr: "integrity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolve(t *testing.T) {
	m := &Manifest{Modules: map[string]ModuleEntry{
		"rel":      {EnvNode: {URL: "rel/1.0.0/rel.wasm", Integrity: emptySRI}},
		"rooted":   {EnvNode: {URL: "/static/rooted.wasm", Integrity: emptySRI}},
		"absolute": {EnvNode: {URL: "https://other.example.com/abs.wasm", Integrity: emptySRI}},
	}}

	out, err := Resolve(m, "https://cdn.example.com/maps/module-map.json")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/maps/rel/1.0.0/rel.wasm", out.Modules["rel"][EnvNode].URL)
	assert.Equal(t, "https://cdn.example.com/static/rooted.wasm", out.Modules["rooted"][EnvNode].URL)
	assert.Equal(t, "https://other.example.com/abs.wasm", out.Modules["absolute"][EnvNode].URL)
	assert.Equal(t, "rel/1.0.0/rel.wasm", m.Modules["rel"][EnvNode].URL, "input is not mutated")

	out, err = Resolve(m, "s3://modules/maps/module-map.json")
	require.NoError(t, err)
	assert.Equal(t, "s3://modules/maps/rel/1.0.0/rel.wasm", out.Modules["rel"][EnvNode].URL)
}

func TestFetcher(t *testing.T) {
	docs := map[string]string{
		"https://cdn.example.com/module-map.json": `{"modules":{"a":{"node":{"url":"a/1.0.0/a.wasm","integrity":"` + emptySRI + `"}}}}`,
		"https://cdn.example.com/module-map.yaml": "modules:\n  a:\n    node:\n      url: a/1.0.0/a.wasm\n      integrity: " + emptySRI + "\n",
		"https://cdn.example.com/broken.json":     `{"modules":`,
		"https://cdn.example.com/invalid.json":    `{"modules":{"a":{}}}`,
	}
	src := artifact.SourceFunc(func(_ context.Context, location string) ([]byte, error) {
		doc, ok := docs[location]
		if !ok {
			return nil, artifact.ErrNotFound
		}
		return []byte(doc), nil
	})
	f := NewFetcher(src)
	ctx := context.Background()

	for _, loc := range []string{"https://cdn.example.com/module-map.json", "https://cdn.example.com/module-map.yaml"} {
		m, err := f.Fetch(ctx, loc)
		require.NoError(t, err, loc)
		assert.Equal(t, "https://cdn.example.com/a/1.0.0/a.wasm", m.Modules["a"][EnvNode].URL)
	}

	for _, loc := range []string{
		"https://cdn.example.com/missing.json",
		"https://cdn.example.com/broken.json",
		"https://cdn.example.com/invalid.json",
	} {
		_, err := f.Fetch(ctx, loc)
		require.Error(t, err, loc)
		assert.True(t, engine.IsFetchError(err), loc)

		var syncErr *engine.SyncError
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, loc, syncErr.Location)
	}
}
