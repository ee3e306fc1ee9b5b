package config

import (
	"time"

	"github.com/openfroyo/modsync/pkg/artifact"
	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/modulehost"
	"github.com/openfroyo/modsync/pkg/telemetry"
)

// Config is the complete modsync configuration.
type Config struct {
	// Manifest locates the manifest document.
	Manifest ManifestConfig `json:"manifest"`

	// RootModule names the module whose configuration drives the CSP.
	RootModule string `json:"rootModule" validate:"required"`

	Sync      SyncConfig      `json:"sync"`
	Host      HostConfig      `json:"host"`
	Sources   SourcesConfig   `json:"sources"`
	Admission AdmissionConfig `json:"admission"`
	CSP       CSPConfig       `json:"csp"`
	Server    ServerConfig    `json:"server"`
	History   HistoryConfig   `json:"history"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ManifestConfig locates the manifest document.
type ManifestConfig struct {
	// URL is the manifest location (http(s), file, s3 or sftp).
	URL string `json:"url" validate:"required"`

	// Watch triggers a cycle when a file:// manifest changes.
	Watch bool `json:"watch"`
}

// SyncConfig controls the sync cycle.
type SyncConfig struct {
	// Interval between polls. Zero disables polling.
	Interval Duration `json:"interval" validate:"min=0"`

	// BatchSize caps concurrent module loads.
	BatchSize int `json:"batchSize" validate:"min=1,max=256"`

	// Environment is the artifact environment the server loads.
	Environment string `json:"environment" validate:"required"`

	// RetireGrace delays closing replaced modules.
	RetireGrace Duration `json:"retireGrace"`
}

// HostConfig configures the WASM module host.
type HostConfig struct {
	Timeout          Duration `json:"timeout" validate:"min=0"`
	MemoryLimitPages uint32   `json:"memoryLimitPages" validate:"max=65536"`
	CacheDir         string   `json:"cacheDir"`
}

// ModuleHost converts to the host configuration.
func (h HostConfig) ModuleHost() modulehost.Config {
	return modulehost.Config{
		Timeout:          h.Timeout.Duration(),
		MemoryLimitPages: h.MemoryLimitPages,
		CacheDir:         h.CacheDir,
	}
}

// SourcesConfig configures artifact retrieval.
type SourcesConfig struct {
	// CacheEntries sizes the artifact LRU cache. Zero disables it.
	CacheEntries int `json:"cacheEntries" validate:"min=0"`

	// BaseDir resolves relative file locations.
	BaseDir string `json:"baseDir"`

	HTTP HTTPSourceConfig `json:"http"`
	S3   S3SourceConfig   `json:"s3"`
	SFTP SFTPSourceConfig `json:"sftp"`
}

// HTTPSourceConfig configures http(s) retrieval.
type HTTPSourceConfig struct {
	Timeout            Duration          `json:"timeout" validate:"min=0"`
	MaxSize            int64             `json:"maxSize" validate:"min=0"`
	UserAgent          string            `json:"userAgent"`
	Headers            map[string]string `json:"headers,omitempty"`
	InsecureSkipVerify bool              `json:"insecureSkipVerify"`
}

// Options converts to HTTP source options.
func (h HTTPSourceConfig) Options() []artifact.HTTPOption {
	var opts []artifact.HTTPOption
	if h.Timeout > 0 {
		opts = append(opts, artifact.WithTimeout(h.Timeout.Duration()))
	}
	if h.MaxSize > 0 {
		opts = append(opts, artifact.WithMaxSize(h.MaxSize))
	}
	if h.UserAgent != "" {
		opts = append(opts, artifact.WithUserAgent(h.UserAgent))
	}
	for k, v := range h.Headers {
		opts = append(opts, artifact.WithHeader(k, v))
	}
	if h.InsecureSkipVerify {
		opts = append(opts, artifact.WithInsecureSkipVerify(true))
	}
	return opts
}

// S3SourceConfig configures s3:// retrieval. The source is registered only
// when Endpoint is set.
type S3SourceConfig struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
}

// Enabled reports whether the S3 source is configured.
func (s S3SourceConfig) Enabled() bool { return s.Endpoint != "" }

// Artifact converts to the S3 source configuration.
func (s S3SourceConfig) Artifact() artifact.S3Config {
	return artifact.S3Config{
		Endpoint:  s.Endpoint,
		Region:    s.Region,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		UseSSL:    s.UseSSL,
	}
}

// SFTPSourceConfig configures sftp:// retrieval. The source is registered
// only when User is set.
type SFTPSourceConfig struct {
	User                 string   `json:"user"`
	Password             string   `json:"password"`
	PrivateKeyPath       string   `json:"privateKeyPath"`
	PrivateKeyPassphrase string   `json:"privateKeyPassphrase"`
	KnownHostsPath       string   `json:"knownHostsPath"`
	ConnectionTimeout    Duration `json:"connectionTimeout" validate:"min=0"`
}

// Enabled reports whether the SFTP source is configured.
func (s SFTPSourceConfig) Enabled() bool { return s.User != "" }

// Artifact converts to the SFTP source configuration.
func (s SFTPSourceConfig) Artifact() artifact.SFTPConfig {
	return artifact.SFTPConfig{
		User:                 s.User,
		Password:             s.Password,
		PrivateKeyPath:       s.PrivateKeyPath,
		PrivateKeyPassphrase: s.PrivateKeyPassphrase,
		KnownHostsPath:       s.KnownHostsPath,
		ConnectionTimeout:    s.ConnectionTimeout.Duration(),
	}
}

// AdmissionConfig configures the admission policy engine.
type AdmissionConfig struct {
	Enabled       bool     `json:"enabled"`
	AllowInsecure bool     `json:"allowInsecure"`
	Paths         []string `json:"paths,omitempty"`
	Watch         bool     `json:"watch"`
}

// CSPConfig configures the policy middleware.
type CSPConfig struct {
	// Disabled computes the policy but never sends it.
	Disabled bool `json:"disabled"`

	// DefaultPolicy is served until the root module declares one.
	DefaultPolicy string `json:"defaultPolicy"`

	Development        bool `json:"development"`
	AllowInlineScripts bool `json:"allowInlineScripts"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string   `json:"addr" validate:"required"`
	ReadTimeout     Duration `json:"readTimeout" validate:"min=0"`
	WriteTimeout    Duration `json:"writeTimeout" validate:"min=0"`
	ShutdownTimeout Duration `json:"shutdownTimeout" validate:"min=0"`

	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64 `json:"rateLimit" validate:"min=0"`
	RateBurst int     `json:"rateBurst" validate:"min=0"`
}

// HistoryConfig configures the cycle history store.
type HistoryConfig struct {
	// DSN is a sqlite path, sqlite:// or postgres:// URL. Empty disables history.
	DSN string `json:"dsn"`
}

// TelemetryConfig configures logging, tracing, metrics and events.
type TelemetryConfig struct {
	Environment string `json:"environment"`

	Logging struct {
		Level  string `json:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
		Format string `json:"format" validate:"omitempty,oneof=console json"`
		Output string `json:"output"`
		Caller bool   `json:"caller"`
	} `json:"logging"`

	Tracing struct {
		Enabled      bool    `json:"enabled"`
		Exporter     string  `json:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint     string  `json:"endpoint"`
		SamplingRate float64 `json:"samplingRate" validate:"min=0,max=1"`
		Insecure     bool    `json:"insecure"`
	} `json:"tracing"`

	Metrics struct {
		Enabled bool `json:"enabled"`
	} `json:"metrics"`

	Events struct {
		Enabled    bool `json:"enabled"`
		BufferSize int  `json:"bufferSize" validate:"min=0"`

		// LogLevel is the lowest event level logged; "off" disables it.
		LogLevel string `json:"logLevel" validate:"omitempty,oneof=off info warning error"`
	} `json:"events"`
}

// Telemetry converts to the telemetry configuration for the given version.
func (t TelemetryConfig) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.Logging.Level != "" {
		cfg.Logging.Level = t.Logging.Level
	}
	if t.Logging.Format != "" {
		cfg.Logging.Format = t.Logging.Format
	}
	if t.Logging.Output != "" {
		cfg.Logging.Output = t.Logging.Output
	}
	cfg.Logging.EnableCaller = t.Logging.Caller

	cfg.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = t.Tracing.Exporter
	}
	cfg.Tracing.Endpoint = t.Tracing.Endpoint
	cfg.Tracing.SamplingRate = t.Tracing.SamplingRate
	cfg.Tracing.Insecure = t.Tracing.Insecure

	cfg.Metrics.Enabled = t.Metrics.Enabled
	cfg.Events.Enabled = t.Events.Enabled
	if t.Events.BufferSize > 0 {
		cfg.Events.BufferSize = t.Events.BufferSize
	}
	switch t.Events.LogLevel {
	case "":
	case "off":
		cfg.Events.LogLevel = ""
	default:
		cfg.Events.LogLevel = t.Events.LogLevel
	}
	return cfg
}

// Default returns the built-in configuration. RootModule and Manifest.URL
// have no default.
func Default() *Config {
	host := modulehost.DefaultConfig()

	cfg := &Config{
		Sync: SyncConfig{
			Interval:    Duration(30 * time.Second),
			BatchSize:   10,
			Environment: manifest.EnvNode,
			RetireGrace: Duration(30 * time.Second),
		},
		Host: HostConfig{
			Timeout:          Duration(host.Timeout),
			MemoryLimitPages: host.MemoryLimitPages,
		},
		Sources: SourcesConfig{
			CacheEntries: 128,
			HTTP: HTTPSourceConfig{
				Timeout: Duration(artifact.HTTPDefaultTimeout),
				MaxSize: 32 << 20,
			},
			SFTP: SFTPSourceConfig{
				ConnectionTimeout: Duration(10 * time.Second),
			},
		},
		CSP: CSPConfig{
			DefaultPolicy: csp.DefaultPolicy,
		},
		Server: ServerConfig{
			Addr:            ":3000",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			RateLimit:       50,
			RateBurst:       100,
		},
	}

	tel := telemetry.DefaultConfig()
	cfg.Telemetry.Environment = tel.Environment
	cfg.Telemetry.Logging.Level = tel.Logging.Level
	cfg.Telemetry.Logging.Format = tel.Logging.Format
	cfg.Telemetry.Logging.Output = tel.Logging.Output
	cfg.Telemetry.Tracing.Exporter = tel.Tracing.Exporter
	cfg.Telemetry.Tracing.SamplingRate = tel.Tracing.SamplingRate
	cfg.Telemetry.Tracing.Insecure = tel.Tracing.Insecure
	cfg.Telemetry.Metrics.Enabled = tel.Metrics.Enabled
	cfg.Telemetry.Events.Enabled = tel.Events.Enabled
	cfg.Telemetry.Events.BufferSize = tel.Events.BufferSize
	cfg.Telemetry.Events.LogLevel = tel.Events.LogLevel
	return cfg
}
