package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/unisearch/internal/preflight"
	"github.com/Aman-CERP/unisearch/internal/ui"
)

func newDoctorCmd(g *globals) *cobra.Command {
	var verbose, asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the index directory, system limits and providers",
		Long: `Check that unisearch can run: the index directory is writable, there is
free disk space, the open file limit is high enough, the index is not
locked by another process and each configured provider is reachable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checker := preflight.New(g.cfg,
				preflight.WithOutput(cmd.OutOrStdout()),
				preflight.WithVerbose(verbose))
			results := checker.RunAll()
			if asJSON {
				if err := ui.NewStatusRenderer(cmd.OutOrStdout(), true).RenderJSON(results); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}
			if checker.HasCriticalFailures(results) {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show check details")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
