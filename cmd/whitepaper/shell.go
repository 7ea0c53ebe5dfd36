package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const shellHelp = `Commands:
  scan [file...]               profile datasets (default: every CSV in input_dir)
  etl [--overwrite] [file...]  clean datasets into the cache
  list                         list cache entries
  status                       show which datasets are cached
  invalidate <fingerprint>     drop a cache entry
  runs [run-id]                list archived runs or show one
  runs stats [days]            per-stage totals (default: last 7 days)
  cancel                       drop a question waiting for clarification
  help                         show this help
  exit                         leave the shell

Anything else is asked as a question.`

// shell is the interactive read-eval loop. A run that stops for
// clarification is held in pending until the next line answers it.
type shell struct {
	c        *cli
	out      io.Writer
	progress *progressPrinter
	pending  *workflow.State
}

func (c *cli) runShell(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	s := &shell{c: c, out: out, progress: progress(out)}
	return s.run(cmd.Context(), cmd.InOrStdin())
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	cfg := s.c.app.Config()
	fmt.Fprintf(s.out, "whitepaper %s. Datasets are read from %s. Type 'help' for commands.\n", s.c.app.Version(), cfg.InputDir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		s.prompt()
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if done := s.handle(ctx, line); done {
			return nil
		}
	}
}

func (s *shell) prompt() {
	if s.pending != nil {
		fmt.Fprint(s.out, "clarify> ")
		return
	}
	fmt.Fprint(s.out, "whitepaper> ")
}

// handle executes one line and reports whether the shell should exit.
func (s *shell) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch {
	case (name == "exit" || name == "quit") && len(args) == 0:
		fmt.Fprintln(s.out, "bye")
		return true
	case name == "help" && len(args) == 0:
		fmt.Fprintln(s.out, shellHelp)
	case name == "cancel" && len(args) == 0 && s.pending != nil:
		s.pending = nil
		fmt.Fprintln(s.out, "pending question dropped")
	case s.pending != nil:
		s.resume(ctx, line)
	case name == "scan":
		s.report(s.scan(ctx, args))
	case name == "etl":
		s.report(s.clean(ctx, args))
	case name == "list" && len(args) == 0:
		listing, err := s.c.app.ListCache(ctx)
		if s.report(err) {
			printListing(s.out, listing)
		}
	case name == "status" && len(args) == 0:
		st, err := s.c.app.Status(ctx)
		if s.report(err) {
			printStatus(s.out, st)
		}
	case name == "invalidate" && len(args) == 1:
		if s.report(s.c.app.Invalidate(ctx, args[0])) {
			fmt.Fprintf(s.out, "invalidated %s\n", args[0])
		}
	case name == "runs" && len(args) <= 1,
		name == "runs" && len(args) == 2 && args[0] == "stats":
		s.report(s.runs(ctx, args))
	default:
		s.ask(ctx, line)
	}
	return false
}

// report prints err, if any, and reports whether the command succeeded.
func (s *shell) report(err error) bool {
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return false
	}
	return true
}

func (s *shell) scan(ctx context.Context, paths []string) error {
	results, err := s.c.app.Scan(ctx, paths...)
	if err != nil {
		return err
	}
	printScan(s.out, results)
	return nil
}

func (s *shell) clean(ctx context.Context, args []string) error {
	overwrite := false
	var paths []string
	for _, a := range args {
		if a == "--overwrite" {
			overwrite = true
			continue
		}
		paths = append(paths, a)
	}
	results, err := s.c.app.Clean(ctx, overwrite, paths...)
	if err != nil {
		return err
	}
	return printClean(s.out, results)
}

func (s *shell) runs(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] == "stats" {
		return s.runStats(ctx, args[1:])
	}
	if len(args) == 0 {
		runs, err := s.c.app.Runs(ctx, 20)
		if err != nil {
			return err
		}
		printRuns(s.out, runs)
		return nil
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	run, err := s.c.app.Run(ctx, id)
	if err != nil {
		return err
	}
	printRun(s.out, run)
	return nil
}

func (s *shell) runStats(ctx context.Context, args []string) error {
	days := 7
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid day count %q", args[0])
		}
		days = n
	}
	st, err := s.c.app.RunStats(ctx, days)
	if err != nil {
		return err
	}
	printRunStats(s.out, st)
	return nil
}

func (s *shell) ask(ctx context.Context, query string) {
	s.progress.reset()
	out, err := s.c.app.Ask(ctx, query, s.progress.Observer())
	s.finish(out, err)
}

func (s *shell) resume(ctx context.Context, clarification string) {
	st := s.pending
	s.pending = nil
	out, err := s.c.app.Resume(ctx, st, clarification, s.progress.Observer())
	s.finish(out, err)
}

func (s *shell) finish(out workflow.Outcome, err error) {
	if !s.report(err) {
		return
	}
	s.progress.flush(out.History)
	if out.Status == model.RunStatusAwaitingClarification {
		s.pending = out.State
	}
	s.report(printOutcome(s.out, out))
}
