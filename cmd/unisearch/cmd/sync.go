package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/unisearch/internal/output"
	"github.com/Aman-CERP/unisearch/internal/search"
	"github.com/Aman-CERP/unisearch/internal/ui"
)

func newSyncCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync [source ...]",
		Short: "Fetch changes from configured providers",
		Long: `Fetch changes from every configured provider, or only the named
sources, and commit them to the index. Each source resumes from its
saved cursor. A failing source is reported without stopping the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				rep, err := eng.SyncProviders(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if err := eng.Flush(cmd.Context()); err != nil {
					return fmt.Errorf("flush index: %w", err)
				}
				if asJSON {
					return ui.NewStatusRenderer(cmd.OutOrStdout(), g.noColor).RenderJSON(rep)
				}
				renderSync(output.New(cmd.OutOrStdout()), rep)
				if failed := rep.Failed(); len(failed) > 0 {
					return fmt.Errorf("sync failed for %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func renderSync(out *output.Writer, rep search.SyncReport) {
	if len(rep.Sources) == 0 {
		out.Warning("No providers configured")
		return
	}
	rows := make([][]string, 0, len(rep.Sources))
	for _, s := range rep.Sources {
		state := "ok"
		switch {
		case s.Skipped:
			state = "skipped (circuit open)"
		case s.Error != "":
			state = "error: " + s.Error
		}
		rows = append(rows, []string{
			s.Source,
			humanize.Comma(int64(s.Fetched)),
			strconv.Itoa(s.Deleted),
			strconv.Itoa(s.Dropped),
			s.Duration.Round(1e6).String(),
			state,
		})
	}
	out.Table([]string{"SOURCE", "FETCHED", "DELETED", "DROPPED", "TOOK", "STATE"}, rows)
	out.Newline()
	out.Successf("Queued %s change(s) in %s", humanize.Comma(int64(rep.Enqueued)), rep.Duration.Round(1e6))
	if rep.Rejected > 0 {
		out.Warningf("%d change(s) rejected by the indexing queue", rep.Rejected)
	}
}

func newOptimizeCmd(g *globals) *cobra.Command {
	var retry int

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Compact the index and prune old query history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				out := output.New(cmd.OutOrStdout())
				if retry > 0 {
					n, err := eng.RetryDeadLetters(cmd.Context(), retry)
					if err != nil {
						return err
					}
					if err := eng.Flush(cmd.Context()); err != nil {
						return fmt.Errorf("flush index: %w", err)
					}
					out.Successf("Requeued %d dead-lettered change(s)", n)
				}
				before := eng.HealthStatus(cmd.Context()).Index
				if err := eng.OptimizeIndices(cmd.Context()); err != nil {
					return err
				}
				after := eng.HealthStatus(cmd.Context()).Index
				out.Success("Index optimized")
				out.Field("Documents:", humanize.Comma(int64(after.Documents)))
				out.Field("Tombstones:", fmt.Sprintf("%d → %d", before.Tombstones, after.Tombstones))
				out.Field("Fragmentation:", fmt.Sprintf("%.0f%% → %.0f%%", before.Fragmentation*100, after.Fragmentation*100))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retry, "retry-dead-letters", 0, "Requeue up to N failed changes before optimizing")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index, provider and query health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				st := eng.HealthStatus(cmd.Context())
				r := ui.NewStatusRenderer(cmd.OutOrStdout(), g.noColor)
				if asJSON {
					return r.RenderJSON(st)
				}
				return r.Render(st)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func newAnalyticsCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Show query usage and performance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				a, err := eng.GetAnalytics(cmd.Context())
				if err != nil {
					return err
				}
				r := ui.NewStatusRenderer(cmd.OutOrStdout(), g.noColor)
				if asJSON {
					return r.RenderJSON(a)
				}
				return r.RenderAnalytics(a)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print analytics as JSON")
	return cmd
}
