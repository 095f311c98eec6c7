package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/unisearch/internal/mcp"
	"github.com/Aman-CERP/unisearch/internal/schedule"
	"github.com/Aman-CERP/unisearch/internal/search"
)

type serveOptions struct {
	transport  string
	addr       string
	noSchedule bool
}

func newServeCmd(g *globals) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server with scheduled sync and optimize",
		Long: `Start the Model Context Protocol server over stdio (for MCP hosts)
or streamable HTTP, and run provider sync and index optimize on the
schedules from the config file.

With the stdio transport nothing but protocol messages is written to
stdout; logs go to the configured log file.`,
		Example: `  unisearch serve
  unisearch serve --transport http --addr 127.0.0.1:8765`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.transport {
			case "stdio", "http":
			default:
				return fmt.Errorf("unknown transport: %s (supported: stdio, http)", opts.transport)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return g.withEngine(ctx, func(eng *search.Engine) error {
				return runServe(ctx, g, eng, opts)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.transport, "transport", "stdio", "Transport: stdio, http")
	f.StringVar(&opts.addr, "addr", "127.0.0.1:8765", "Listen address for the http transport")
	f.BoolVar(&opts.noSchedule, "no-schedule", false, "Do not run scheduled sync and optimize")
	return cmd
}

func runServe(ctx context.Context, g *globals, eng *search.Engine, opts serveOptions) error {
	if !opts.noSchedule {
		sched := schedule.New(schedule.WithLogger(g.logger))
		if err := schedule.Maintain(sched, eng, g.cfg.Providers.SyncSchedule, g.cfg.Indexing.OptimizeSchedule); err != nil {
			return fmt.Errorf("schedule maintenance: %w", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv, err := mcp.NewServer(eng, mcp.WithLogger(g.logger))
	if err != nil {
		return err
	}
	g.logger.Info("serve_started",
		slog.String("transport", opts.transport),
		slog.String("index", g.cfg.Index.Path),
		slog.Int("tools", len(srv.ListTools())))
	return srv.Serve(ctx, opts.transport, opts.addr)
}
