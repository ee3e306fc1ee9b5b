package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODSYNC_"

// EnvDisableCSP is the kill switch that stops the policy header from being
// sent. Any value strconv.ParseBool accepts as true enables it.
const EnvDisableCSP = EnvPrefix + "DANGEROUSLY_DISABLE_CSP"

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the configuration file at path on top of Default. An empty path
// yields the defaults. The format follows the file extension: .cue, .yaml,
// .yml, .toml or .json.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := decode(cfg, data, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the given format ("cue", "yaml", "toml" or "json") on
// top of Default. JSON is compiled as CUE, which keeps integer literals
// integral.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	if err := decode(cfg, data, "config."+format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(cfg *Config, data []byte, filename string) error {
	s, err := newSchema()
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	var doc map[string]any
	switch ext {
	case ".cue", ".json":
		val, err := s.compile(data, filename)
		if err != nil {
			return err
		}
		out, err := s.check(val, filename)
		if err != nil {
			return err
		}
		return unmarshalInto(cfg, out, filename)
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}

	val, err := s.encode(doc, filename)
	if err != nil {
		return err
	}
	out, err := s.check(val, filename)
	if err != nil {
		return err
	}
	return unmarshalInto(cfg, out, filename)
}

func unmarshalInto(cfg *Config, data []byte, filename string) error {
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// ApplyEnv applies MODSYNC_* overrides from lookup. A nil lookup reads the
// process environment.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("MANIFEST_URL", &c.Manifest.URL)
	boolean("MANIFEST_WATCH", &c.Manifest.Watch)
	str("ROOT_MODULE", &c.RootModule)
	duration("SYNC_INTERVAL", &c.Sync.Interval)
	integer("BATCH_SIZE", &c.Sync.BatchSize)
	str("ENVIRONMENT", &c.Sync.Environment)
	duration("RETIRE_GRACE", &c.Sync.RetireGrace)
	str("CACHE_DIR", &c.Host.CacheDir)
	str("S3_ENDPOINT", &c.Sources.S3.Endpoint)
	str("S3_ACCESS_KEY", &c.Sources.S3.AccessKey)
	str("S3_SECRET_KEY", &c.Sources.S3.SecretKey)
	str("SFTP_USER", &c.Sources.SFTP.User)
	str("SFTP_PASSWORD", &c.Sources.SFTP.Password)
	boolean("ADMISSION_ENABLED", &c.Admission.Enabled)
	boolean("ALLOW_INSECURE", &c.Admission.AllowInsecure)
	boolean("DANGEROUSLY_DISABLE_CSP", &c.CSP.Disabled)
	str("ADDR", &c.Server.Addr)
	str("HISTORY_DSN", &c.History.DSN)
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)
	str("OTLP_ENDPOINT", &c.Telemetry.Tracing.Endpoint)

	if v, ok := lookup("PORT"); ok && v != "" {
		if _, set := lookup(EnvPrefix + "ADDR"); !set {
			c.Server.Addr = ":" + v
		}
	}
	return errors.Join(errs...)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the fully resolved configuration.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		fields = append(fields, FieldError{Path: path, Message: msg})
	}
	return &ValidationError{Source: "config", Errors: fields}
}

// Resolve loads .env files, the config file at path and environment
// overrides, then validates the result.
func Resolve(path string, envFiles ...string) (*Config, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
