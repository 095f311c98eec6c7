// Package cmd provides the CLI commands for unisearch.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/logging"
	"github.com/Aman-CERP/unisearch/internal/profiling"
	"github.com/Aman-CERP/unisearch/internal/search"
	"github.com/Aman-CERP/unisearch/pkg/version"
)

// globals carries persistent flags and the state they produce. Commands
// receive it from NewRootCmd, so tests can build isolated trees.
type globals struct {
	configPath string
	debug      bool
	noColor    bool
	profile    profiling.Options

	cfg      *config.Config
	logger   *slog.Logger
	cleanups []func()
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "unisearch",
		Short: "Unified search over email, files, chat and trackers",
		Long: `unisearch indexes documents from many sources into one local
full-text index and answers fielded, faceted and fuzzy queries over it.

Documents arrive from configured providers (directories, GitHub
repositories), from JSON lines on the command line, or through the MCP
server's index_document tool.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return g.teardown()
		},
	}
	cmd.SetVersionTemplate(version.String() + "\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Config file (YAML, or TOML with a .toml extension)")
	flags.BoolVar(&g.debug, "debug", false, "Debug logging to "+logging.DefaultLogPath())
	flags.BoolVar(&g.noColor, "no-color", false, "Disable colored output")
	flags.StringVar(&g.profile.CPU, "profile-cpu", "", "Write a CPU profile to file")
	flags.StringVar(&g.profile.Heap, "profile-mem", "", "Write a heap profile to file on exit")
	flags.StringVar(&g.profile.Trace, "profile-trace", "", "Write an execution trace to file")

	cmd.AddCommand(
		newSearchCmd(g),
		newSuggestCmd(g),
		newIndexCmd(g),
		newDeleteCmd(g),
		newSyncCmd(g),
		newOptimizeCmd(g),
		newStatusCmd(g),
		newAnalyticsCmd(g),
		newServeCmd(g),
		newDoctorCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setup loads configuration, then starts logging and profiling. Commands
// that don't need an engine skip config loading.
func (g *globals) setup(cmd *cobra.Command, _ []string) error {
	if g.profile.Enabled() {
		p, err := profiling.Start(g.profile)
		if err != nil {
			return err
		}
		g.cleanups = append(g.cleanups, func() {
			if err := p.Stop(); err != nil {
				slog.Warn("profile_stop_failed", slog.String("error", err.Error()))
			}
		})
	}
	if skipsConfig(cmd) {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		return nil
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	g.cfg = cfg

	logger, cleanup, err := logging.Setup(g.loggingConfig(cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	g.logger = logger
	g.cleanups = append(g.cleanups, cleanup)
	slog.SetDefault(logger)
	return nil
}

// loggingConfig maps the config file onto the logging package. Without a
// log file, warnings still reach stderr.
func (g *globals) loggingConfig(stderr io.Writer) logging.Config {
	lc := logging.Config{
		Level:         g.cfg.Logging.Level,
		FilePath:      config.ExpandPath(g.cfg.Logging.FilePath),
		MaxSizeMB:     g.cfg.Logging.MaxSizeMB,
		MaxFiles:      g.cfg.Logging.MaxFiles,
		WriteToStderr: g.cfg.Logging.Stderr,
		Stderr:        stderr,
	}
	if g.debug {
		lc.Level = "debug"
		if lc.FilePath == "" {
			lc.FilePath = logging.DefaultLogPath()
		}
	}
	if lc.FilePath == "" && !lc.WriteToStderr && !g.debug {
		lc.Level = "warn"
	}
	return lc
}

func (g *globals) teardown() error {
	for i := len(g.cleanups) - 1; i >= 0; i-- {
		g.cleanups[i]()
	}
	g.cleanups = nil
	return nil
}

// openEngine opens and starts the engine from the loaded configuration.
// The caller must Close it.
func (g *globals) openEngine(ctx context.Context) (*search.Engine, error) {
	eng, err := search.New(ctx, g.cfg, search.WithLogger(g.logger))
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

// withEngine runs fn against a started engine and closes it afterwards,
// joining a close failure into the result.
func (g *globals) withEngine(ctx context.Context, fn func(*search.Engine) error) (err error) {
	eng, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close engine: %w", cerr)
		}
	}()
	return fn(eng)
}

// skipsConfig reports commands that must work without a valid config.
func skipsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "version", "path", "init", "help":
			return true
		}
	}
	return false
}
