package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ashita-ai/whitepaper/internal/cache"
	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const flushTimeout = time.Second

// progressPrinter prints stage records as the executor commits them.
// Delivery is asynchronous, so callers flush before printing the outcome.
type progressPrinter struct {
	w io.Writer

	mu      sync.Mutex
	lastSeq int
}

func progress(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) observe(rec model.StageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, formatRecord(rec))
	p.lastSeq = rec.Seq
}

// Observer returns the callback to hand to Ask or Resume.
func (p *progressPrinter) Observer() workflow.Observer {
	if p == nil {
		return nil
	}
	return p.observe
}

// reset forgets the previous run so a new one can be flushed.
func (p *progressPrinter) reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.lastSeq = 0
	p.mu.Unlock()
}

// flush waits until every record in history has been printed.
func (p *progressPrinter) flush(history []model.StageRecord) {
	if p == nil || len(history) == 0 {
		return
	}
	want := history[len(history)-1].Seq
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		done := p.lastSeq >= want
		p.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func formatRecord(rec model.StageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  [%d] %-17s -> %s", rec.Seq, rec.Stage, rec.Target)
	if rec.Attempts > 1 {
		fmt.Fprintf(&b, " (%d attempts)", rec.Attempts)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, " error: %s", rec.Error)
	} else if rec.OutputSummary != "" {
		fmt.Fprintf(&b, "  %s", oneLine(rec.OutputSummary, 80))
	}
	return b.String()
}

// printOutcome prints the report or the reason the run stopped. A failed
// run is returned as an error so the process exits non-zero.
func printOutcome(w io.Writer, out workflow.Outcome) error {
	switch out.Status {
	case model.RunStatusCompleted:
		fmt.Fprintln(w, out.Report)
		fmt.Fprintf(w, "\ncompleted in %d stages, %d revision(s), $%.3f\n", len(out.History), out.RevisionCount, out.CostUSD)
		return nil
	case model.RunStatusRejected:
		fmt.Fprintln(w, out.Report)
		return nil
	case model.RunStatusAwaitingClarification:
		fmt.Fprintln(w, out.Prompt)
		return nil
	default:
		return fmt.Errorf("run %s failed (%s): %s", out.RunID, out.Reason, out.Detail)
	}
}

func printScan(w io.Writer, results []etl.ScanResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no datasets found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tROWS\tCOLS\tMISSING\tDUPES\tOUTLIERS\tSCORE\tCACHED")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\terror: %v\t\t\t\t\t\t\n", r.Path, r.Err)
			continue
		}
		rep := r.Report
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%s\n",
			r.Path, rep.Rows, rep.Columns, rep.MissingCells, rep.Duplicates, rep.OutlierCells, rep.QualityScore, yesNo(rep.Cached))
	}
	_ = tw.Flush()

	for _, r := range results {
		if r.Err != nil {
			continue
		}
		for _, p := range r.Report.Profile {
			if p.MixedType {
				fmt.Fprintf(w, "warning: %s: column %q mixes numeric and text values\n", r.Path, p.Name)
			}
		}
	}
}

// printClean prints one line per dataset and returns an error if any
// dataset failed.
func printClean(w io.Writer, results []etl.CleanResult) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "no datasets found")
		return nil
	}
	var errs []error
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tROWS IN\tROWS OUT\tDUPES\tSCORE\tSOURCE\tARTIFACT")
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			fmt.Fprintf(tw, "%s\terror: %v\t\t\t\t\t\n", r.Path, r.Err)
			continue
		}
		s := r.Summary
		source := "cleaned"
		if s.CacheHit {
			source = "cache"
		}
		artifact := ""
		if r.Handle.Cleaned() {
			artifact = *r.Handle.CleanedArtifactRef
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\t%s\t%s\n",
			r.Path, s.RowsIn, s.RowsOut, s.DuplicatesRemoved, s.QualityScore, source, artifact)
	}
	_ = tw.Flush()

	for _, r := range results {
		if r.Err == nil && r.Summary.QualityWarning {
			fmt.Fprintf(w, "quality warning: %s: %s\n", r.Path, strings.Join(r.Summary.Rationale, "; "))
		}
	}
	return errors.Join(errs...)
}

func printListing(w io.Writer, listing cache.Listing) {
	if len(listing.Entries) == 0 && len(listing.Corrupt) == 0 {
		fmt.Fprintln(w, "cache is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tROWS\tSCORE\tCREATED\tARTIFACT")
	for _, e := range listing.Entries {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%s\t%s\n",
			dataset.ShortFingerprint(e.Key), e.Summary.RowsOut, e.Summary.QualityScore,
			e.CreatedAt.Local().Format(time.DateTime), e.CleanedArtifactRef)
	}
	_ = tw.Flush()
	for _, k := range listing.Corrupt {
		fmt.Fprintf(w, "corrupt: %s (treated as a miss)\n", k)
	}
}

func printStatus(w io.Writer, st model.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", st.Version)
	fmt.Fprintf(tw, "input dir\t%s\n", st.InputDir)
	fmt.Fprintf(tw, "output dir\t%s\n", st.OutputDir)
	fmt.Fprintf(tw, "reports dir\t%s\n", st.ReportsDir)
	fmt.Fprintf(tw, "inference\t%s\n", st.Provider)
	fmt.Fprintf(tw, "cache entries\t%d (%d corrupt)\n", st.CacheEntries, st.CorruptKeys)
	fmt.Fprintf(tw, "datasets\t%d (%d pending)\n", len(st.Datasets), len(st.Pending()))
	_ = tw.Flush()

	for _, d := range st.Datasets {
		switch {
		case d.Error != "":
			fmt.Fprintf(w, "  !  %s: %s\n", d.Path, d.Error)
		case d.Cached:
			fmt.Fprintf(w, "  ok %s [%s]\n", d.Path, dataset.ShortFingerprint(d.Fingerprint))
		default:
			fmt.Fprintf(w, "  .. %s [%s] not cleaned\n", d.Path, dataset.ShortFingerprint(d.Fingerprint))
		}
	}
}

func printRuns(w io.Writer, runs []model.RunTranscript) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no archived runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tREVISIONS\tCOST\tQUERY")
	for _, r := range runs {
		status := string(r.Status)
		if r.Reason != model.ReasonNone {
			status += " (" + string(r.Reason) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t$%.3f\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), status, r.RevisionCount, r.CostUSD, oneLine(r.Query, 50))
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, run model.RunTranscript) {
	fmt.Fprintf(w, "run %s\nquery: %s\nstatus: %s", run.ID, run.Query, run.Status)
	if run.Reason != model.ReasonNone {
		fmt.Fprintf(w, " (%s: %s)", run.Reason, run.Detail)
	}
	fmt.Fprintf(w, "\nrevisions: %d  cost: $%.3f  duration: %s\n\n",
		run.RevisionCount, run.CostUSD, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	for _, rec := range run.Records {
		fmt.Fprintln(w, formatRecord(rec))
	}
}

func printRunStats(w io.Writer, st model.RunStats) {
	window := "all time"
	if !st.Since.IsZero() {
		window = "since " + st.Since.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "%d run(s) %s, $%.3f total\n", st.Runs, window, st.CostUSD)
	if st.Runs == 0 {
		return
	}
	for _, status := range []model.RunStatus{
		model.RunStatusCompleted, model.RunStatusRejected, model.RunStatusFailed, model.RunStatusAwaitingClarification,
	} {
		if n := st.ByStatus[status]; n > 0 {
			fmt.Fprintf(w, "  %-22s %d\n", status, n)
		}
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tCALLS\tATTEMPTS\tERRORS\tERROR RATE\tCOST\tMEAN")
	for _, s := range st.Stages {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.0f%%\t$%.3f\t%s\n",
			s.Stage, s.Calls, s.Attempts, s.Errors, s.ErrorRate()*100, s.CostUSD, s.MeanDuration.Round(time.Millisecond))
	}
	_ = tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
