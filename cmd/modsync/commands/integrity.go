package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/modsync/pkg/integrity"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newIntegrityCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Compute or verify artifact integrity tokens",
	}

	cmd.AddCommand(newIntegrityComputeCommand(flags))
	cmd.AddCommand(newIntegrityVerifyCommand(flags))

	return cmd
}

// readArtifact reads a file path or any location the configured sources
// support.
func readArtifact(ctx context.Context, flags *globalFlags, location string) ([]byte, error) {
	cfg, err := flags.loadSourcesConfig()
	if err != nil {
		return nil, err
	}
	router, closers, err := newSources(cfg, log.Logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range closers {
			_ = c(ctx)
		}
	}()
	return router.Fetch(ctx, location)
}

func newIntegrityComputeCommand(flags *globalFlags) *cobra.Command {
	var (
		algorithm string
		digest    bool
	)

	cmd := &cobra.Command{
		Use:   "compute <location>",
		Short: "Print the integrity token of an artifact",
		Example: `  modsync integrity compute dist/some-root.node.wasm
  modsync integrity compute --algorithm sha256 https://cdn.example.com/some-root.node.wasm
  modsync integrity compute --digest dist/some-root.node.wasm`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArtifact(cmd.Context(), flags, args[0])
			if err != nil {
				return err
			}

			var token string
			if digest {
				token = integrity.ComputeDigest(data)
			} else {
				token, err = integrity.Compute(data, integrity.Algorithm(algorithm))
				if err != nil {
					return err
				}
			}

			if flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"location":  args[0],
					"size":      len(data),
					"integrity": token,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(integrity.SHA384), "SRI hash algorithm (sha256, sha384, sha512)")
	cmd.Flags().BoolVar(&digest, "digest", false, "print an OCI sha256 digest instead of an SRI token")

	return cmd
}

func newIntegrityVerifyCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "verify <location> <token>",
		Short:   "Verify an artifact against an integrity token",
		Example: `  modsync integrity verify dist/some-root.node.wasm sha384-oqVuAfXRKap7fdgcCY5uykM6+R9GqQ8K/uxy9rx7HNQlGYl1kPzQho1wx4JwY8wC`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArtifact(cmd.Context(), flags, args[0])
			if err != nil {
				return err
			}
			if err := integrity.Verify(data, args[1]); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			if flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"location": args[0], "verified": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", args[0])
			return nil
		},
	}

	return cmd
}
