package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/modsync/pkg/syncer"
	"github.com/spf13/cobra"
)

func newSyncCommand(flags *globalFlags, version string) *cobra.Command {
	var printMap bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and print the result",
		Long: `Run one sync cycle against an empty registry, exactly as the server's startup
cycle would, and print what was loaded, what failed and the resulting policy.

The command exits non-zero only when the manifest cannot be fetched; module
failures are reported in the result.`,
		Example: `  # Check that every module in the map loads
  modsync sync --config modsync.yaml

  # Print the result and the client module map as JSON
  modsync sync --config modsync.yaml --json --print-map`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			// Handles are closed when the command exits.
			cfg.Sync.RetireGrace = -1

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			result, err := rt.orch.Sync(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				payload := map[string]any{"result": result, "policy": rt.policy.Policy()}
				if printMap {
					payload["moduleMap"] = rt.orch.Cache().Load().Manifest
				}
				return printJSON(out, payload)
			}

			printResult(out, result, rt.policy.Policy())
			if printMap {
				fmt.Fprintln(out)
				return printJSON(out, rt.orch.Cache().Load().Manifest)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&printMap, "print-map", false, "also print the client module map")

	return cmd
}

func printResult(w io.Writer, r *syncer.Result, policy string) {
	fmt.Fprintf(w, "Cycle:      %s\n", r.CycleID)
	fmt.Fprintf(w, "Status:     %s\n", r.Status)
	fmt.Fprintf(w, "Generation: %d\n", r.Generation)
	fmt.Fprintf(w, "Duration:   %s\n", r.Duration)

	if len(r.Changed) > 0 {
		fmt.Fprintf(w, "Loaded:     %s\n", strings.Join(r.Changed, ", "))
	}
	if len(r.Diff.ToRemove) > 0 {
		fmt.Fprintf(w, "Removed:    %s\n", strings.Join(r.Diff.ToRemove, ", "))
	}

	if names := r.FailedNames(); len(names) > 0 {
		reasons := r.FailureReasons()
		fmt.Fprintln(w, "Failed:")
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %s\n", name, reasons[name])
		}
	}

	if r.PolicyApplied {
		fmt.Fprintf(w, "Policy:     %s\n", policy)
	}
}
