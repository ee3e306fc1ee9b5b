package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openfroyo/modsync/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	envFiles   []string
	verbose    bool
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "modsync",
		Short: "modsync - module registry sync engine",
		Long: `modsync keeps a live registry of WASM modules in sync with a remote module map.

Each cycle:
  - Fetches and validates the module map
  - Diffs it against the live registry
  - Admits, downloads, verifies and loads changed modules
  - Atomically publishes the new registry and client module map
  - Applies the root module's Content-Security-Policy`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path (.cue, .yaml, .toml or .json)")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "env files to load (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(flags, version))
	rootCmd.AddCommand(newSyncCommand(flags, version))
	rootCmd.AddCommand(newFetchCommand(flags))
	rootCmd.AddCommand(newCSPCommand(flags))
	rootCmd.AddCommand(newIntegrityCommand(flags))
	rootCmd.AddCommand(newHistoryCommand(flags))

	return rootCmd
}

// loadConfig resolves the configuration and applies the verbose flag to it.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Resolve(f.configPath, f.envFiles...)
	if err != nil {
		return nil, err
	}
	if f.verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	log.Debug().Str("config", f.configPath).Str("manifest", cfg.Manifest.URL).Msg("Configuration loaded")
	return cfg, nil
}

// loadSourcesConfig resolves the configuration without requiring the sync
// settings, for commands that only read artifacts.
func (f *globalFlags) loadSourcesConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
