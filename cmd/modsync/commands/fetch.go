package commands

import (
	"fmt"

	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newFetchCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [location]",
		Short: "Fetch, validate and print a module map",
		Long: `Fetch the module map from its location, validate it and print it with every
relative artifact URL resolved against the map location.

The location defaults to manifest.url from the configuration.`,
		Example: `  # Print the configured module map
  modsync fetch --config modsync.yaml

  # Fetch a map directly
  modsync fetch https://cdn.example.com/module-map.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadSourcesConfig()
			if err != nil {
				return err
			}

			location := cfg.Manifest.URL
			if len(args) == 1 {
				location = args[0]
			}
			if location == "" {
				return fmt.Errorf("no manifest location given and manifest.url is not configured")
			}

			router, closers, err := newSources(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer func() {
				for _, c := range closers {
					_ = c(cmd.Context())
				}
			}()

			m, err := manifest.NewFetcher(router, manifest.WithLogger(log.Logger)).Fetch(cmd.Context(), location)
			if err != nil {
				return err
			}

			log.Debug().Str("location", location).Int("modules", m.Len()).Msg("Module map fetched")
			return printJSON(cmd.OutOrStdout(), m)
		},
	}

	return cmd
}
