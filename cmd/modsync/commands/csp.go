package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/modsync/pkg/config"
	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/spf13/cobra"
)

func cspOptions(cfg *config.Config) csp.Options {
	return csp.Options{
		Disabled:           cfg.CSP.Disabled,
		Development:        cfg.CSP.Development,
		AllowInlineScripts: cfg.CSP.AllowInlineScripts,
	}
}

func newCSPCommand(flags *globalFlags) *cobra.Command {
	var referer string

	cmd := &cobra.Command{
		Use:   "csp <policy|->",
		Short: "Parse a Content-Security-Policy and print its directives",
		Long: `Parse a Content-Security-Policy and print each directive with its sources.
Pass "-" to read the policy from stdin.

With --referer, also print the X-Frame-Options value the server would send
for a request from that page.`,
		Example: `  modsync csp "default-src 'self'; frame-ancestors americanexpress.com;"

  modsync csp --referer https://americanexpress.com/testing \
    "frame-ancestors americanexpress.com;"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := args[0]
			if policy == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				policy = strings.TrimSpace(string(data))
			}

			directives := csp.Parse(policy)
			frame, framed := csp.FrameOptions(directives, referer)

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				payload := map[string]any{"directives": directives}
				if framed {
					payload["frameOptions"] = frame
				}
				return printJSON(out, payload)
			}

			for _, name := range directives.Names() {
				d, _ := directives.Lookup(name)
				if d.IsFlag() {
					fmt.Fprintf(out, "%s\n", name)
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", name, strings.Join(d.Values, " "))
			}
			if referer != "" {
				if framed {
					fmt.Fprintf(out, "\n%s: %s\n", csp.HeaderFrameOptions, frame)
				} else {
					fmt.Fprintf(out, "\n%s: (not sent)\n", csp.HeaderFrameOptions)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&referer, "referer", "", "referring page to compute X-Frame-Options for")

	return cmd
}
