package manifest

import (
	"context"
	"time"

	"github.com/openfroyo/modsync/pkg/artifact"
	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/rs/zerolog"
)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the fetcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *Validator) Option {
	return func(f *Fetcher) {
		f.validator = v
	}
}

// Fetcher retrieves the manifest document from its configured location.
type Fetcher struct {
	src       artifact.Source
	validator *Validator
	logger    zerolog.Logger
}

// NewFetcher creates a fetcher reading through src.
func NewFetcher(src artifact.Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:       src,
		validator: NewValidator(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs a single retrieval of the manifest at baseURL, decodes and
// validates it and resolves relative artifact URLs against baseURL. Every
// failure is returned as a fetch error; there is no retry.
func (f *Fetcher) Fetch(ctx context.Context, baseURL string) (*Manifest, error) {
	start := time.Now()

	data, err := f.src.Fetch(ctx, baseURL)
	if err != nil {
		return nil, engine.NewFetchError(baseURL, "failed to retrieve manifest", err)
	}

	m, err := Decode(data, FormatFor(baseURL))
	if err != nil {
		return nil, engine.NewFetchError(baseURL, "failed to decode manifest", err)
	}

	if err := f.validator.Validate(m); err != nil {
		return nil, engine.NewFetchError(baseURL, "manifest failed validation", err)
	}

	resolved, err := Resolve(m, baseURL)
	if err != nil {
		return nil, engine.NewFetchError(baseURL, "failed to resolve artifact urls", err)
	}

	f.logger.Debug().
		Str("location", baseURL).
		Int("modules", resolved.Len()).
		Dur("duration", time.Since(start)).
		Msg("Fetched manifest")

	return resolved, nil
}
