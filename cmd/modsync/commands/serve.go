package commands

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/openfroyo/modsync/pkg/artifact"
	"github.com/openfroyo/modsync/pkg/scheduler"
	"github.com/openfroyo/modsync/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func newServeCommand(flags *globalFlags, version string) *cobra.Command {
	var (
		addr       string
		triggerGap time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and serve the module map",
		Long: `Run sync cycles on the configured interval and serve the client module map.

The server exposes:
  - GET  /module-map.json   the published module map
  - GET  /status            orchestrator state and last cycle
  - POST /v1/sync           request an immediate cycle
  - GET  /health, /ready    probes
  - GET  /metrics           Prometheus metrics`,
		Example: `  # Serve with a YAML config
  modsync serve --config modsync.yaml

  # Override the listen address
  modsync serve --config modsync.cue --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
				defer cancel()
				if err := rt.Close(closeCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown finished with errors")
				}
			}()

			poller := scheduler.NewPoller(rt.orch,
				scheduler.WithInterval(cfg.Sync.Interval.Duration()),
				scheduler.WithLogger(rt.logger),
				scheduler.WithTriggerLimit(triggerGap, 1),
			)

			if cfg.Manifest.Watch {
				if path, ok := localManifestPath(cfg.Manifest.URL, cfg.Sources.BaseDir); ok {
					if err := poller.WatchFile(ctx, path); err != nil {
						return err
					}
					defer poller.StopWatching()
				} else {
					rt.logger.Warn().Str("manifest", cfg.Manifest.URL).Msg("Manifest watch needs a local file, ignoring")
				}
			}

			if rt.admission != nil && cfg.Admission.Watch {
				if err := rt.admission.Watch(ctx); err != nil {
					return err
				}
			}

			srv, err := server.New(server.Config{
				Addr:            cfg.Server.Addr,
				ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
				WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
				IdleTimeout:     server.DefaultConfig().IdleTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
				RateLimit:       rate.Limit(cfg.Server.RateLimit),
				RateBurst:       cfg.Server.RateBurst,
				CSP:             cspOptions(cfg),
			}, rt.orch.Cache(),
				server.WithStatus(rt.orch),
				server.WithTrigger(poller),
				server.WithPolicyStore(rt.policy),
				server.WithMetrics(rt.tel.Metrics),
				server.WithLogger(rt.logger),
			)
			if err != nil {
				return err
			}

			rt.logger.Info().
				Str("manifest", cfg.Manifest.URL).
				Str("root_module", cfg.RootModule).
				Str("addr", cfg.Server.Addr).
				Dur("interval", poller.Interval()).
				Bool("csp_disabled", cfg.CSP.Disabled).
				Msg("Starting modsync")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return poller.Run(gctx) })
			g.Go(func() error { return srv.Start(gctx) })

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().DurationVar(&triggerGap, "trigger-interval", 5*time.Second, "minimum time between on-demand sync requests")

	return cmd
}

// localManifestPath returns the file path of a file:// or scheme-less
// manifest location.
func localManifestPath(location, baseDir string) (string, bool) {
	u, err := url.Parse(location)
	if err != nil {
		return "", false
	}
	if u.Scheme != "" && u.Scheme != "file" && len(u.Scheme) > 1 {
		return "", false
	}
	p, err := artifact.NewFileSource(baseDir).Path(location)
	if err != nil {
		return "", false
	}
	return p, true
}
