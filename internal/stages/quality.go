package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const roleReviewer = "You are the quality reviewer for a policy analysis team."

// review is the JSON reply the quality checker asks for.
type review struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
}

// qualityChecker reviews the analysis and either publishes the report or
// sends the analysis back for revision.
type qualityChecker struct{ Deps }

func (s *qualityChecker) Name() model.StageName { return model.StageQualityChecker }
func (s *qualityChecker) Tier() model.CostTier  { return model.TierExpensive }

func (s *qualityChecker) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	stats, hasStats := v.Finding(model.StageAnalysisStats)
	insights, hasInsights := v.Finding(model.StageAnalysisInsights)

	prompt := fmt.Sprintf(`%s
Review this analysis for completeness, accuracy and bias. Reject it only if it
has unsupported claims or misses the question.
Respond with JSON: {"approved": true/false, "feedback": "what to fix"}

Query: %s

Statistics:
%s

Recommendations:
%s`, roleReviewer, subject(v), stats.Text, insights.Text)

	reply, err := s.Inference.Infer(ctx, prompt, s.Tier())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: quality_checker: %w", err)
	}

	var rv review
	approved := hasStats && hasInsights
	feedback := "analysis is incomplete"
	if decodeReply(reply, &rv) && rv.Approved != nil {
		approved = *rv.Approved
		feedback = strings.TrimSpace(rv.Feedback)
	}
	in := fmt.Sprintf("revision %d", v.RevisionCount())

	if !approved {
		if feedback == "" {
			feedback = "revise the analysis"
		}
		next := model.GoTo(model.StageAnalysisStats)
		next.Detail = feedback
		return workflow.Result{
			Finding:       &model.Finding{Summary: "revision requested", Text: feedback, Approved: boolPtr(false)},
			Next:          next,
			InputSummary:  in,
			OutputSummary: "rejected: " + clip(feedback, 60),
		}, nil
	}

	report := CompileReport(v)
	path, err := s.save(report, v.Query())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: quality_checker: %w", err)
	}
	s.Logger.Info("stages: report saved", "run_id", v.RunID(), "path", path)

	return workflow.Result{
		Finding:       &model.Finding{Summary: "approved", Text: path, Approved: boolPtr(true)},
		Report:        report + "\n\nReport saved to: " + path,
		Next:          model.Terminal(model.RunStatusCompleted, model.ReasonNone, ""),
		InputSummary:  in,
		OutputSummary: "approved, saved " + filepath.Base(path),
	}, nil
}

// CompileReport assembles the final report from the analysis findings.
func CompileReport(v workflow.View) string {
	section := func(st model.StageName, fallback string) string {
		if f, ok := v.Finding(st); ok && strings.TrimSpace(f.Text) != "" {
			return strings.TrimSpace(f.Text)
		}
		return fallback
	}
	var b strings.Builder
	b.WriteString("POLICY ANALYSIS RESULTS\n\n")
	fmt.Fprintf(&b, "Query: %s\n", v.Query())
	for _, c := range v.Clarifications() {
		fmt.Fprintf(&b, "Clarification: %s\n", c)
	}
	if f, ok := v.Finding(model.StageDatasetHandler); ok && len(v.Datasets()) > 0 {
		fmt.Fprintf(&b, "\nDATASETS:\n%s\n", strings.TrimSpace(f.Text))
	}
	fmt.Fprintf(&b, "\nKEY FINDINGS:\n%s\n", section(model.StageAnalysisStats, "No statistical analysis"))
	fmt.Fprintf(&b, "\nSTRATEGIC INSIGHTS:\n%s\n", section(model.StageAnalysisInsights, "No insights generated"))
	fmt.Fprintf(&b, "\nVISUALIZATIONS:\n%s\n", section(model.StageAnalysisViz, "No charts available"))
	if f, ok := v.Finding(model.StageWebSearcher); ok && f.Text != "" {
		fmt.Fprintf(&b, "\nEXTERNAL CONTEXT:\n%s\n", strings.TrimSpace(f.Text))
	}
	b.WriteString("\nQuality assured and bias-checked")
	return b.String()
}

// Slug turns a query into a file-name fragment: letters, digits, '-' and
// '_' are kept, spaces become '_', and the result is capped at 50 runes.
func Slug(query string) string {
	var b strings.Builder
	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	s := strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
	if rs := []rune(s); len(rs) > 50 {
		s = string(rs[:50])
	}
	if s == "" {
		return "query"
	}
	return s
}

// save writes the report to ReportsDir and returns its path. A name that is
// already taken gets a numeric suffix.
func (s *qualityChecker) save(report, query string) (string, error) {
	if err := os.MkdirAll(s.ReportsDir, 0o750); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	now := s.Now()
	base := "analysis_" + Slug(query) + "_" + now.Format("20060102_150405")
	header := fmt.Sprintf("WHITEPAPER AI ANALYSIS REPORT\nGenerated: %s\nQuery: %s\n%s\n\n",
		now.Format(time.DateTime), query, strings.Repeat("=", 80))

	for i := 1; i <= 100; i++ {
		name := base + ".txt"
		if i > 1 {
			name = fmt.Sprintf("%s_%d.txt", base, i)
		}
		path := filepath.Join(s.ReportsDir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path is built from the configured reports dir
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create report: %w", err)
		}
		if _, err := f.WriteString(header + report + "\n"); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write report %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close report %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free report name for %s", base)
}
