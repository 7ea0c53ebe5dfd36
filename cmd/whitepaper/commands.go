package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/whitepaper/internal/model"
)

func (c *cli) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [file...]",
		Short: "Profile dataset quality without cleaning",
		Long:  "Profile each CSV (rows, missing cells, duplicates, outliers, quality score). With no files, every raw CSV in input_dir is scanned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := c.app.Scan(cmd.Context(), args...)
			if err != nil {
				return err
			}
			printScan(cmd.OutOrStdout(), results)
			return nil
		},
	}
}

func (c *cli) etlCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "etl [file...]",
		Short: "Clean datasets, reusing cached artifacts",
		Long:  "Clean each CSV and record the artifact in the content cache. A dataset whose content is already cached is not cleaned again unless --overwrite is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := c.app.Clean(cmd.Context(), overwrite, args...)
			if err != nil {
				return err
			}
			return printClean(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "rebuild artifacts even when cached")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			listing, err := c.app.ListCache(cmd.Context())
			if err != nil {
				return err
			}
			printListing(cmd.OutOrStdout(), listing)
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace layout and which datasets are cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.app.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func (c *cli) invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <fingerprint>",
		Short: "Drop a cache entry so the dataset is cleaned again",
		Long:  "Drop a cache entry. The fingerprint may be given in full or as the short prefix printed by list.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) askCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Run one question through the analysis workflow",
		Long:  "Run one question through the analysis workflow. Stage progress is printed as it happens; if the workflow asks for clarification, the answer is read from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var p *progressPrinter
			if !quiet {
				p = progress(cmd.ErrOrStderr())
			}
			outcome, err := c.app.Ask(cmd.Context(), strings.Join(args, " "), p.Observer())
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			for outcome.Status == model.RunStatusAwaitingClarification {
				p.flush(outcome.History)
				fmt.Fprintf(out, "%s\n> ", outcome.Prompt)
				answer, readErr := in.ReadString('\n')
				answer = strings.TrimSpace(answer)
				if answer == "" {
					if readErr != nil && !errors.Is(readErr, io.EOF) {
						return readErr
					}
					return errors.New("no clarification given")
				}
				outcome, err = c.app.Resume(cmd.Context(), outcome.State, answer, p.Observer())
				if err != nil {
					return err
				}
			}
			p.flush(outcome.History)
			return printOutcome(out, outcome)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print stage progress")
	return cmd
}

func (c *cli) shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runShell(cmd)
		},
	}
}

func (c *cli) runsCmd() *cobra.Command {
	var (
		limit int
		stats bool
		days  int
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List archived runs, or show one run's stage history",
		Long:  "List archived runs, or show one run's stage history. With --stats, aggregate runs from the last --days days per status and per stage.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if stats {
				if len(args) > 0 {
					return errors.New("--stats does not take a run id")
				}
				st, err := c.app.RunStats(cmd.Context(), days)
				if err != nil {
					return err
				}
				printRunStats(out, st)
				return nil
			}
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid run id %q: %w", args[0], err)
				}
				run, err := c.app.Run(cmd.Context(), id)
				if err != nil {
					return err
				}
				printRun(out, run)
				return nil
			}
			runs, err := c.app.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(out, runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&stats, "stats", false, "show per-status and per-stage totals")
	cmd.Flags().IntVar(&days, "days", 7, "stats window in days (0 for the whole archive)")
	cmd.AddCommand(c.pruneCmd())
	return cmd
}

func (c *cli) pruneCmd() *cobra.Command {
	var (
		olderThan string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived runs older than a retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, err := parseAge(olderThan)
			if err != nil {
				return err
			}
			cnt, err := c.app.PruneRuns(cmd.Context(), age, dryRun)
			if err != nil {
				return err
			}
			verb := "pruned"
			if dryRun {
				verb = "would prune"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d run(s) and %d stage record(s) older than %s\n",
				verb, cnt.Runs, cnt.StageRecords, olderThan)
			return nil
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "30d", "retention window, in days (30d) or as a duration (12h)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count what would be deleted without deleting")
	return cmd
}

// parseAge accepts a whole number of days ("30d") or a time.Duration string.
func parseAge(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid age %q: want a positive number of days", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid age %q: want e.g. 30d or 12h", s)
	}
	return d, nil
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the whitepaper tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.logger.Info("mcp: serving on stdio")
			return c.app.MCPServer().ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
