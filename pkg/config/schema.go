package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// configSchema constrains configuration documents of every format. The
// definition is closed so unknown fields are rejected.
const configSchema = `
#Duration: number & >=0 | =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	manifest?: {
		url?:   string
		watch?: bool
	}
	rootModule?: string
	sync?: {
		interval?:    #Duration
		batchSize?:   int & >=1 & <=256
		environment?: string
		retireGrace?: number | string
	}
	host?: {
		timeout?:          #Duration
		memoryLimitPages?: int & >=0 & <=65536
		cacheDir?:         string
	}
	sources?: {
		cacheEntries?: int & >=0
		baseDir?:      string
		http?: {
			timeout?:            #Duration
			maxSize?:            int & >=0
			userAgent?:          string
			headers?:            {[string]: string}
			insecureSkipVerify?: bool
		}
		s3?: {
			endpoint?:  string
			region?:    string
			accessKey?: string
			secretKey?: string
			useSSL?:    bool
		}
		sftp?: {
			user?:                 string
			password?:             string
			privateKeyPath?:       string
			privateKeyPassphrase?: string
			knownHostsPath?:       string
			connectionTimeout?:    #Duration
		}
	}
	admission?: {
		enabled?:       bool
		allowInsecure?: bool
		paths?: [...string]
		watch?: bool
	}
	csp?: {
		disabled?:           bool
		defaultPolicy?:      string
		development?:        bool
		allowInlineScripts?: bool
	}
	server?: {
		addr?:            string
		readTimeout?:     #Duration
		writeTimeout?:    #Duration
		shutdownTimeout?: #Duration
		rateLimit?:       number & >=0
		rateBurst?:       int & >=0
	}
	history?: {
		dsn?: string
	}
	telemetry?: {
		environment?: string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
			caller?: bool
		}
		tracing?: {
			enabled?:      bool
			exporter?:     "otlp" | "stdout" | "none"
			endpoint?:     string
			samplingRate?: number & >=0 & <=1
			insecure?:     bool
		}
		metrics?: {
			enabled?: bool
		}
		events?: {
			enabled?:    bool
			bufferSize?: int & >=0
			logLevel?:   "off" | "info" | "warning" | "error"
		}
	}
}
`

// FieldError is one problem found in a configuration document.
type FieldError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationError reports every problem found in a configuration document.
type ValidationError struct {
	Source string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return fmt.Sprintf("invalid configuration %s: %d errors: %s", e.Source, len(e.Errors), strings.Join(msgs, "; "))
}

// schema compiles configSchema once per load.
type schema struct {
	ctx *cue.Context
	def cue.Value
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(configSchema, cue.Filename("modsync-config.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return &schema{ctx: ctx, def: val.LookupPath(cue.ParsePath("#Config"))}, nil
}

// compile parses CUE source into a value.
func (s *schema) compile(src []byte, filename string) (cue.Value, error) {
	val := s.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, &ValidationError{Source: filename, Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// encode converts decoded YAML, TOML or JSON data into a value.
func (s *schema) encode(data map[string]any, filename string) (cue.Value, error) {
	if data == nil {
		data = map[string]any{}
	}
	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return cue.Value{}, &ValidationError{Source: filename, Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// check unifies val with the schema and returns the result as JSON.
func (s *schema) check(val cue.Value, filename string) ([]byte, error) {
	unified := s.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ValidationError{Source: filename, Errors: convertCUEErrors(err)}
	}
	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return out, nil
}

func convertCUEErrors(err error) []FieldError {
	var out []FieldError
	for _, e := range errors.Errors(err) {
		fe := FieldError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			fe.File = pos[0].Filename()
			fe.Line = pos[0].Line()
			fe.Column = pos[0].Column()
		}
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, FieldError{Message: err.Error()})
	}
	return out
}
