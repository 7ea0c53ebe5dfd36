package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/whitepaper"
	"github.com/ashita-ai/whitepaper/internal/config"
	"github.com/ashita-ai/whitepaper/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &cli{}
	err := c.rootCmd().ExecuteContext(ctx)
	c.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// cli holds state shared by every subcommand. The App is built lazily in
// setup so that help and completion never touch the cache store.
type cli struct {
	cfgFile string
	verbose bool

	// extra options are appended after the ones derived from configuration.
	extra []whitepaper.Option

	app      *whitepaper.App
	logger   *slog.Logger
	shutdown telemetry.Shutdown
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "whitepaper",
		Short: "Policy data analysis: dataset cleaning, caching, and a staged analysis workflow",
		Long: `whitepaper cleans CSV datasets into a content-addressed cache and answers
policy questions by running them through a fixed graph of analysis stages.

Run without a subcommand to start the interactive shell.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runShell(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ./whitepaper.yaml or $HOME/.config/whitepaper/whitepaper.yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		c.scanCmd(),
		c.etlCmd(),
		c.listCmd(),
		c.statusCmd(),
		c.invalidateCmd(),
		c.askCmd(),
		c.shellCmd(),
		c.runsCmd(),
		c.mcpCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c.logger = newLogger(cmd.ErrOrStderr(), cfg, c.verbose)
	slog.SetDefault(c.logger)

	shutdown, err := telemetry.Init(cmd.Context(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	c.shutdown = shutdown

	opts := append([]whitepaper.Option{
		whitepaper.WithConfig(cfg),
		whitepaper.WithLogger(c.logger),
		whitepaper.WithVersion(version),
	}, c.extra...)
	app, err := whitepaper.New(opts...)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

func (c *cli) close() {
	if c.app != nil {
		if err := c.app.Close(); err != nil {
			c.logger.Warn("close failed", "error", err)
		}
		c.app = nil
	}
	if c.shutdown != nil {
		_ = c.shutdown(context.Background())
		c.shutdown = nil
	}
}

// newLogger writes JSON logs to w unless log_format is "text". --verbose
// forces the debug level.
func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			level = slog.LevelInfo
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
