package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/modsync/pkg/history"
	"github.com/spf13/cobra"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		dsn   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history [cycle-id]",
		Short: "Show recorded sync cycles",
		Long: `List the most recent sync cycles recorded in the history store, or show one
cycle in full. Noop cycles are not recorded.`,
		Example: `  modsync history --config modsync.yaml
  modsync history --dsn /var/lib/modsync/history.db --limit 5
  modsync history 1f0c2b7e-8d4a-4b51-9a1e-52a6c4f3d9b0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := flags.loadSourcesConfig()
				if err != nil {
					return err
				}
				dsn = cfg.History.DSN
			}
			if dsn == "" {
				return fmt.Errorf("history is not configured (set history.dsn or --dsn)")
			}

			store, err := history.Open(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				c, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return printJSON(out, c)
				}
				printCycle(out, c)
				return nil
			}

			cycles, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(out, cycles)
			}
			return printCycles(out, cycles)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "history store (sqlite path or postgres URL)")
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultListLimit, "number of cycles to list")

	return cmd
}

func printCycles(w io.Writer, cycles []*history.Cycle) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tGEN\tADDED\tUPDATED\tREMOVED\tFAILED")
	for _, c := range cycles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			c.ID, c.StartedAt.Local().Format(time.DateTime), c.Status, c.Generation,
			len(c.Added), len(c.Updated), len(c.Removed), len(c.Failed))
	}
	return tw.Flush()
}

func printCycle(w io.Writer, c *history.Cycle) {
	fmt.Fprintf(w, "Cycle:      %s\n", c.ID)
	fmt.Fprintf(w, "Status:     %s\n", c.Status)
	fmt.Fprintf(w, "Started:    %s\n", c.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:   %s\n", c.Duration())
	fmt.Fprintf(w, "Generation: %d\n", c.Generation)
	if len(c.Added) > 0 {
		fmt.Fprintf(w, "Added:      %s\n", strings.Join(c.Added, ", "))
	}
	if len(c.Updated) > 0 {
		fmt.Fprintf(w, "Updated:    %s\n", strings.Join(c.Updated, ", "))
	}
	if len(c.Removed) > 0 {
		fmt.Fprintf(w, "Removed:    %s\n", strings.Join(c.Removed, ", "))
	}
	for name, reason := range c.Failed {
		fmt.Fprintf(w, "Failed:     %s: %s\n", name, reason)
	}
	if c.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", c.Error)
	}
}
