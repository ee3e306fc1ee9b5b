package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Second, cfg.Sync.Interval.Duration())
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, "node", cfg.Sync.Environment)
	assert.Equal(t, csp.DefaultPolicy, cfg.CSP.DefaultPolicy)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Telemetry.Logging.Level)

	// Root module and manifest URL have no default.
	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	paths := make([]string, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		paths = append(paths, fe.Path)
	}
	assert.ElementsMatch(t, []string{"manifest.url", "rootModule"}, paths)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "cue",
			file: "modsync.cue",
			content: `
manifest: url: "https://cdn.example.com/module-map.json"
rootModule: "some-root"
sync: {
	interval:  "1m"
	batchSize: 4
}
server: rateLimit: 5
`,
		},
		{
			name: "yaml",
			file: "modsync.yaml",
			content: `
manifest:
  url: https://cdn.example.com/module-map.json
rootModule: some-root
sync:
  interval: 1m
  batchSize: 4
server:
  rateLimit: 5
`,
		},
		{
			name: "toml",
			file: "modsync.toml",
			content: `
rootModule = "some-root"

[manifest]
url = "https://cdn.example.com/module-map.json"

[sync]
interval = "1m"
batchSize = 4

[server]
rateLimit = 5
`,
		},
		{
			name: "json",
			file: "modsync.json",
			content: `{
  "manifest": {"url": "https://cdn.example.com/module-map.json"},
  "rootModule": "some-root",
  "sync": {"interval": 60, "batchSize": 4},
  "server": {"rateLimit": 5}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "https://cdn.example.com/module-map.json", cfg.Manifest.URL)
			assert.Equal(t, "some-root", cfg.RootModule)
			assert.Equal(t, time.Minute, cfg.Sync.Interval.Duration())
			assert.Equal(t, 4, cfg.Sync.BatchSize)
			assert.Equal(t, 5.0, cfg.Server.RateLimit)

			// Untouched fields keep their defaults.
			assert.Equal(t, "node", cfg.Sync.Environment)
			assert.Equal(t, ":3000", cfg.Server.Addr)
			require.NoError(t, cfg.Validate())
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeFile(t, "modsync.yaml", `
rootModule: some-root
manifest:
  url: https://cdn.example.com/module-map.json
  refresh: 10s
`)
	_, err := Load(path)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Errors)
	assert.Contains(t, verr.Error(), "refresh")
}

func TestLoadRejectsWrongType(t *testing.T) {
	path := writeFile(t, "modsync.cue", `
rootModule: "some-root"
sync: batchSize: "four"
`)
	_, err := Load(path)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "batchSize")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	_, err := Parse([]byte(`telemetry: logging: level: loud`), "yaml")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	_, err := Load(writeFile(t, "modsync.ini", "root=1"))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MODSYNC_MANIFEST_URL":            "file:///srv/module-map.json",
		"MODSYNC_ROOT_MODULE":             "frame",
		"MODSYNC_SYNC_INTERVAL":           "45",
		"MODSYNC_BATCH_SIZE":              "3",
		"MODSYNC_DANGEROUSLY_DISABLE_CSP": "true",
		"MODSYNC_HISTORY_DSN":             "/var/lib/modsync/history.db",
		"PORT":                            "8080",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "file:///srv/module-map.json", cfg.Manifest.URL)
	assert.Equal(t, "frame", cfg.RootModule)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval.Duration())
	assert.Equal(t, 3, cfg.Sync.BatchSize)
	assert.True(t, cfg.CSP.Disabled)
	assert.Equal(t, "/var/lib/modsync/history.db", cfg.History.DSN)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvAddrWinsOverPort(t *testing.T) {
	env := map[string]string{"MODSYNC_ADDR": "127.0.0.1:9000", "PORT": "8080"}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestApplyEnvInvalidValues(t *testing.T) {
	env := map[string]string{
		"MODSYNC_DANGEROUSLY_DISABLE_CSP": "sometimes",
		"MODSYNC_BATCH_SIZE":              "many",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "MODSYNC_DANGEROUSLY_DISABLE_CSP")
	assert.ErrorContains(t, err, "MODSYNC_BATCH_SIZE")
	assert.False(t, cfg.CSP.Disabled)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MODSYNC_ROOT_MODULE=from-dotenv\n"), 0o644))
	cfgFile := filepath.Join(dir, "modsync.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("manifest:\n  url: https://cdn.example.com/m.json\n"), 0o644))

	t.Setenv("MODSYNC_ROOT_MODULE", "")
	require.NoError(t, os.Unsetenv("MODSYNC_ROOT_MODULE"))

	cfg, err := Resolve(cfgFile, envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.RootModule)
	assert.Equal(t, "https://cdn.example.com/m.json", cfg.Manifest.URL)
}

func TestResolveValidationFailure(t *testing.T) {
	cfgFile := writeFile(t, "modsync.yaml", "rootModule: r\n")
	t.Setenv("MODSYNC_MANIFEST_URL", "")
	require.NoError(t, os.Unsetenv("MODSYNC_MANIFEST_URL"))

	_, err := Resolve(cfgFile, filepath.Join(t.TempDir(), "absent.env"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "manifest.url", verr.Errors[0].Path)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "2", want: 2 * time.Second},
		{in: "0.5", want: 500 * time.Millisecond},
		{in: "-1s", want: -time.Second},
		{in: "soon", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDuration(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}

	out, err := Duration(90 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(out))
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Host.CacheDir = "/var/cache/modsync"
	cfg.Telemetry.Logging.Format = "json"
	cfg.Telemetry.Tracing.Enabled = true
	cfg.Telemetry.Tracing.Exporter = "stdout"

	host := cfg.Host.ModuleHost()
	assert.Equal(t, 30*time.Second, host.Timeout)
	assert.Equal(t, "/var/cache/modsync", host.CacheDir)

	tel := cfg.Telemetry.Telemetry("1.2.3")
	assert.Equal(t, "1.2.3", tel.ServiceVersion)
	assert.Equal(t, "json", tel.Logging.Format)
	assert.True(t, tel.Tracing.Enabled)
	assert.Equal(t, "stdout", tel.Tracing.Exporter)
	assert.Equal(t, "warning", tel.Events.LogLevel)
	require.NoError(t, tel.Validate())

	cfg.Telemetry.Events.LogLevel = "off"
	assert.Empty(t, cfg.Telemetry.Telemetry("").Events.LogLevel)

	assert.False(t, cfg.Sources.S3.Enabled())
	cfg.Sources.S3.Endpoint = "minio:9000"
	assert.True(t, cfg.Sources.S3.Enabled())
	assert.Equal(t, "minio:9000", cfg.Sources.S3.Artifact().Endpoint)

	cfg.Sources.HTTP.Headers = map[string]string{"Authorization": "Bearer x"}
	assert.Len(t, cfg.Sources.HTTP.Options(), 3)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Source: "modsync.yaml", Errors: []FieldError{
		{File: "modsync.yaml", Line: 3, Column: 2, Path: "sync.batchSize", Message: "out of bound"},
	}}
	assert.Equal(t, "invalid configuration modsync.yaml: modsync.yaml:3:2: sync.batchSize: out of bound", err.Error())
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
