package mcp

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const maxCompactSummary = 200

// compactOutcome returns the parts of a run outcome an agent acts on. The
// full report is included; stage records are reduced to one line each.
func compactOutcome(o workflow.Outcome) map[string]any {
	m := map[string]any{
		"run_id":         o.RunID,
		"status":         o.Status,
		"revision_count": o.RevisionCount,
		"cost_usd":       o.CostUSD,
		"stages":         compactHistory(o.History),
	}
	if o.Reason != "" {
		m["reason"] = o.Reason
	}
	if o.Detail != "" {
		m["detail"] = truncate(o.Detail, maxCompactSummary)
	}
	if o.Prompt != "" {
		m["clarification_prompt"] = o.Prompt
	}
	if o.Report != "" {
		m["report"] = o.Report
	}
	m["summary"] = outcomeSummary(o)
	return m
}

func compactHistory(recs []model.StageRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = compactRecord(r)
	}
	return out
}

// compactRecord renders a stage record as "seq stage -> target (detail)".
func compactRecord(r model.StageRecord) string {
	line := fmt.Sprintf("%d %s -> %s", r.Seq, r.Stage, r.Target)
	switch {
	case r.Error != "":
		line += " (" + truncate(r.Error, 80) + ")"
	case r.OutputSummary != "":
		line += " (" + truncate(r.OutputSummary, 80) + ")"
	}
	if r.Attempts > 1 {
		line += fmt.Sprintf(" [%d attempts]", r.Attempts)
	}
	return line
}

// outcomeSummary is a one-sentence, template-based description of a run.
func outcomeSummary(o workflow.Outcome) string {
	switch o.Status {
	case model.RunStatusCompleted:
		s := fmt.Sprintf("Completed after %d stage(s) for $%.3f", len(o.History), o.CostUSD)
		if o.RevisionCount > 0 {
			s += fmt.Sprintf(" with %d revision(s)", o.RevisionCount)
		}
		return s + "."
	case model.RunStatusAwaitingClarification:
		return fmt.Sprintf("Needs clarification: %q. Call whitepaper_resume with run_id and your answer.", o.Prompt)
	case model.RunStatusRejected:
		return "Rejected as out of scope: " + truncate(o.Detail, 100)
	default:
		return fmt.Sprintf("Failed (%s): %s", o.Reason, truncate(o.Detail, 100))
	}
}

func compactScan(r etl.ScanResult) map[string]any {
	if r.Err != nil {
		return map[string]any{"path": r.Path, "error": r.Err.Error()}
	}
	rep := r.Report
	m := map[string]any{
		"path":          rep.Path,
		"fingerprint":   dataset.ShortFingerprint(rep.Fingerprint),
		"rows":          rep.Rows,
		"columns":       rep.Columns,
		"missing_cells": rep.MissingCells,
		"duplicates":    rep.Duplicates,
		"outlier_cells": rep.OutlierCells,
		"quality_score": rep.QualityScore,
		"cached":        rep.Cached,
	}
	var mixed []string
	for _, p := range rep.Profile {
		if p.MixedType {
			mixed = append(mixed, p.Name)
		}
	}
	if len(mixed) > 0 {
		m["mixed_type_columns"] = mixed
	}
	return m
}

func compactClean(r etl.CleanResult) map[string]any {
	if r.Err != nil {
		return map[string]any{"path": r.Path, "error": r.Err.Error()}
	}
	s := r.Summary
	m := map[string]any{
		"path":               r.Path,
		"rows_in":            s.RowsIn,
		"rows_out":           s.RowsOut,
		"duplicates_removed": s.DuplicatesRemoved,
		"quality_score":      s.QualityScore,
		"cache_hit":          s.CacheHit,
	}
	if r.Handle.Cleaned() {
		m["artifact"] = *r.Handle.CleanedArtifactRef
	}
	if len(s.Fills) > 0 {
		fills := make([]string, len(s.Fills))
		for i, f := range s.Fills {
			fills[i] = fmt.Sprintf("%s: %d filled with %s %s", f.Column, f.Filled, f.Kind, f.Value)
		}
		m["fills"] = fills
	}
	if s.QualityWarning {
		m["quality_warning"] = strings.Join(s.Rationale, "; ")
	}
	return m
}

func compactEntry(e model.CacheEntry) map[string]any {
	return map[string]any{
		"fingerprint": e.Key,
		"artifact":    filepath.Base(e.CleanedArtifactRef),
		"rows":        e.Summary.RowsOut,
		"quality":     e.Summary.QualityScore,
		"created_at":  e.CreatedAt,
	}
}

// truncate shortens s to maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
