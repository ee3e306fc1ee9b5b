package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/modsync/pkg/admission"
	"github.com/openfroyo/modsync/pkg/artifact"
	"github.com/openfroyo/modsync/pkg/config"
	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/openfroyo/modsync/pkg/history"
	"github.com/openfroyo/modsync/pkg/loader"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/modulehost"
	"github.com/openfroyo/modsync/pkg/syncer"
	"github.com/openfroyo/modsync/pkg/telemetry"
	"github.com/rs/zerolog"
)

// runtime holds the components built from a configuration.
type runtime struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	router    *artifact.Router
	artifacts artifact.Source
	fetcher   *manifest.Fetcher
	host      *modulehost.Host
	policy    *csp.Store
	admission *admission.Engine
	history   history.Store
	orch      *syncer.Orchestrator

	closers []func(context.Context) error
}

// newSources registers a source for every configured scheme.
func newSources(cfg *config.Config, logger zerolog.Logger) (*artifact.Router, []func(context.Context) error, error) {
	router := artifact.NewRouter()
	var closers []func(context.Context) error

	router.Register(artifact.NewHTTPSource(cfg.Sources.HTTP.Options()...), "http", "https")
	router.Register(artifact.NewFileSource(cfg.Sources.BaseDir), "file")

	if cfg.Sources.S3.Enabled() {
		s3cfg := cfg.Sources.S3.Artifact()
		s3cfg.MaxSize = cfg.Sources.HTTP.MaxSize
		src, err := artifact.NewS3Source(s3cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 source: %w", err)
		}
		router.Register(src, "s3")
	}

	if cfg.Sources.SFTP.Enabled() {
		sftpCfg := cfg.Sources.SFTP.Artifact()
		sftpCfg.MaxSize = cfg.Sources.HTTP.MaxSize
		src, err := artifact.NewSFTPSource(sftpCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sftp source: %w", err)
		}
		router.Register(src, "sftp")
		closers = append(closers, func(context.Context) error { return src.Close() })
	}

	return router, closers, nil
}

// newRuntime wires every component. The caller must Close it.
func newRuntime(ctx context.Context, cfg *config.Config, version string) (rt *runtime, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt = &runtime{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
		closers: []func(context.Context) error{tel.Shutdown},
	}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	router, closers, err := newSources(cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.router = router
	rt.closers = append(rt.closers, closers...)

	rt.artifacts = router
	if cfg.Sources.CacheEntries > 0 {
		cache, err := artifact.NewCache(router, cfg.Sources.CacheEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact cache: %w", err)
		}
		rt.artifacts = cache
	}

	// The manifest always bypasses the artifact cache.
	rt.fetcher = manifest.NewFetcher(router, manifest.WithLogger(rt.logger))

	rt.host, err = modulehost.NewHost(ctx, cfg.Host.ModuleHost(), rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create module host: %w", err)
	}
	rt.closers = append(rt.closers, rt.host.Close)

	ld := loader.New(rt.artifacts, rt.host,
		loader.WithBatchSize(cfg.Sync.BatchSize),
		loader.WithEnvironment(cfg.Sync.Environment),
		loader.WithLogger(rt.logger),
		loader.WithMetrics(tel.Metrics),
		loader.WithTracer(tel.Tracer),
	)

	rt.policy = csp.NewStore(cfg.CSP.DefaultPolicy)

	opts := []syncer.Option{
		syncer.WithPolicy(rt.policy),
		syncer.WithTelemetry(tel),
	}

	if cfg.Admission.Enabled {
		rt.admission, err = admission.NewEngine(ctx, rt.logger, admission.Options{
			Environment:   cfg.Sync.Environment,
			AllowInsecure: cfg.Admission.AllowInsecure,
			Paths:         cfg.Admission.Paths,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create admission engine: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return rt.admission.Close() })
		opts = append(opts, syncer.WithAdmission(rt.admission))
	}

	rt.history, err = history.Open(ctx, cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if rt.history != nil {
		rt.closers = append(rt.closers, func(context.Context) error { return rt.history.Close() })
		opts = append(opts, syncer.WithHistory(rt.history))
	}

	rt.orch, err = syncer.New(syncer.Config{
		ManifestURL: cfg.Manifest.URL,
		RootModule:  cfg.RootModule,
		RetireGrace: cfg.Sync.RetireGrace.Duration(),
	}, rt.fetcher, ld, opts...)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.orch.Shutdown)

	return rt, nil
}

// Close releases components in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
