package stages

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const (
	roleStatistician = "You are the statistics analyst for a policy analysis team."
	roleVisualizer   = "You are the visualization specialist for a policy analysis team."
	roleStrategist   = "You are the insights strategist for a policy analysis team."
)

// Stat names written to findings.
const (
	statCount  = "count"
	statMean   = "mean"
	statMedian = "median"
	statMin    = "min"
	statMax    = "max"
	statStddev = "stddev"
)

// ColumnStats is the descriptive summary of one numeric column.
type ColumnStats struct {
	Dataset string
	Column  string
	Count   int
	Mean    float64
	Median  float64
	Min     float64
	Max     float64
	Stddev  float64
}

// Describe computes descriptive statistics for every numeric column of t.
// Cells that do not parse as numbers are skipped.
func Describe(name string, t *dataset.Table) []ColumnStats {
	schema := dataset.Infer(t)
	var out []ColumnStats
	for i, col := range schema.Columns {
		if col.Type != dataset.TypeNumeric {
			continue
		}
		var vals []float64
		for _, row := range t.Rows {
			if dataset.IsMissing(row[i]) {
				continue
			}
			if f, ok := dataset.ParseNumber(row[i]); ok {
				vals = append(vals, f)
			}
		}
		if len(vals) == 0 {
			continue
		}
		out = append(out, describe(name, col.Name, vals))
	}
	return out
}

func describe(ds, col string, vals []float64) ColumnStats {
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	n := len(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var sd float64
	if n > 1 {
		var ss float64
		for _, v := range sorted {
			ss += (v - mean) * (v - mean)
		}
		sd = math.Sqrt(ss / float64(n-1))
	}
	return ColumnStats{
		Dataset: ds, Column: col, Count: n,
		Mean: mean, Median: median, Min: sorted[0], Max: sorted[n-1], Stddev: sd,
	}
}

func (c ColumnStats) metrics() []model.Metric {
	m := func(stat string, v float64) model.Metric {
		return model.Metric{Dataset: c.Dataset, Column: c.Column, Stat: stat, Value: v}
	}
	return []model.Metric{
		m(statCount, float64(c.Count)),
		m(statMean, c.Mean),
		m(statMedian, c.Median),
		m(statMin, c.Min),
		m(statMax, c.Max),
		m(statStddev, c.Stddev),
	}
}

func statsTable(cols []ColumnStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %8s %12s %12s %12s %12s %12s\n", "column", "count", "mean", "median", "min", "max", "stddev")
	for _, c := range cols {
		fmt.Fprintf(&b, "%-32s %8d %12.2f %12.2f %12.2f %12.2f %12.2f\n",
			clip(c.Dataset+"/"+c.Column, 32), c.Count, c.Mean, c.Median, c.Min, c.Max, c.Stddev)
	}
	return strings.TrimRight(b.String(), "\n")
}

// analysisStats summarizes the cleaned datasets and narrates the numbers.
type analysisStats struct{ Deps }

func (s *analysisStats) Name() model.StageName { return model.StageAnalysisStats }
func (s *analysisStats) Tier() model.CostTier  { return model.TierExpensive }

func (s *analysisStats) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	var cols []ColumnStats
	for _, h := range v.Datasets() {
		if !h.Cleaned() {
			continue
		}
		_, t, err := dataset.Load(*h.CleanedArtifactRef)
		if err != nil {
			return workflow.Result{}, fmt.Errorf("stages: analysis_stats: load %s: %w", *h.CleanedArtifactRef, err)
		}
		cols = append(cols, Describe(filepath.Base(h.RawPath), t)...)
	}

	var b strings.Builder
	b.WriteString(roleStatistician)
	b.WriteString("\nWrite a concise statistical narrative answering the query. Cite the numbers you use.\n\nQuery: ")
	b.WriteString(subject(v))
	if len(cols) > 0 {
		b.WriteString("\n\nDescriptive statistics:\n")
		b.WriteString(statsTable(cols))
	}
	if f, ok := v.Finding(model.StageWebSearcher); ok && f.Text != "" {
		b.WriteString("\n\nExternal context:\n")
		b.WriteString(f.Text)
	}
	if v.RevisionCount() > 0 {
		if f, ok := v.Finding(model.StageQualityChecker); ok && f.Text != "" {
			fmt.Fprintf(&b, "\n\nRevision %d. Address this reviewer feedback:\n%s", v.RevisionCount(), f.Text)
		}
	}

	narrative, err := s.Inference.Infer(ctx, b.String(), s.Tier())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: analysis_stats: %w", err)
	}

	text := strings.TrimSpace(narrative)
	if len(cols) > 0 {
		text = statsTable(cols) + "\n\n" + text
	}
	var metrics []model.Metric
	for _, c := range cols {
		metrics = append(metrics, c.metrics()...)
	}
	summary := fmt.Sprintf("%d numeric columns across %d datasets", len(cols), len(v.Datasets()))
	return workflow.Result{
		Finding:       finding(summary, text, metrics...),
		Next:          model.GoTo(model.StageAnalysisViz),
		InputSummary:  fmt.Sprintf("%d datasets, revision %d", len(v.Datasets()), v.RevisionCount()),
		OutputSummary: summary,
	}, nil
}

// chartWidth is the length of the longest bar.
const chartWidth = 40

// maxBars caps how many columns one chart shows.
const maxBars = 12

// BarChart renders one horizontal ASCII bar per metric, scaled to the
// largest absolute value.
func BarChart(title string, metrics []model.Metric) string {
	if len(metrics) == 0 {
		return title + "\n(no numeric data to chart)"
	}
	if len(metrics) > maxBars {
		metrics = metrics[:maxBars]
	}
	var peak float64
	labelWidth := 0
	labels := make([]string, len(metrics))
	for i, m := range metrics {
		peak = math.Max(peak, math.Abs(m.Value))
		labels[i] = clip(m.Dataset+"/"+m.Column, 32)
		labelWidth = max(labelWidth, len([]rune(labels[i])))
	}

	var b strings.Builder
	b.WriteString(title)
	for i, m := range metrics {
		n := 0
		if peak > 0 {
			n = int(math.Round(math.Abs(m.Value) / peak * chartWidth))
		}
		pad := strings.Repeat(" ", labelWidth-len([]rune(labels[i])))
		fmt.Fprintf(&b, "\n%s%s | %s %.2f", labels[i], pad, strings.Repeat("#", n), m.Value)
	}
	return b.String()
}

// analysisViz charts the column means and captions the chart.
type analysisViz struct{ Deps }

func (s *analysisViz) Name() model.StageName { return model.StageAnalysisViz }
func (s *analysisViz) Tier() model.CostTier  { return model.TierExpensive }

func (s *analysisViz) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	stats, _ := v.Finding(model.StageAnalysisStats)
	means := stats.MetricsFor(statMean)
	chart := BarChart("Mean by column", means)

	prompt := roleVisualizer + "\nWrite a two-sentence caption for this chart that relates it to the query.\n\nQuery: " +
		v.Query() + "\n\n" + chart
	caption, err := s.Inference.Infer(ctx, prompt, s.Tier())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: analysis_viz: %w", err)
	}

	text := chart + "\n\n" + strings.TrimSpace(caption)
	summary := fmt.Sprintf("bar chart of %d column means", min(len(means), maxBars))
	return workflow.Result{
		Finding:       finding(summary, text),
		Next:          model.GoTo(model.StageAnalysisInsights),
		InputSummary:  fmt.Sprintf("%d means", len(means)),
		OutputSummary: summary,
	}, nil
}

// analysisInsights turns the statistics into policy recommendations.
type analysisInsights struct{ Deps }

func (s *analysisInsights) Name() model.StageName { return model.StageAnalysisInsights }
func (s *analysisInsights) Tier() model.CostTier  { return model.TierExpensive }

func (s *analysisInsights) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	var b strings.Builder
	b.WriteString(roleStrategist)
	b.WriteString("\nGive three to five actionable, evidence-backed recommendations. Flag any claim the data does not support.\n\nQuery: ")
	b.WriteString(subject(v))
	for _, st := range []model.StageName{model.StageAnalysisStats, model.StageAnalysisViz, model.StageWebSearcher} {
		if f, ok := v.Finding(st); ok && f.Text != "" {
			fmt.Fprintf(&b, "\n\n%s:\n%s", st, f.Text)
		}
	}

	reply, err := s.Inference.Infer(ctx, b.String(), s.Tier())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: analysis_insights: %w", err)
	}
	reply = strings.TrimSpace(reply)
	return workflow.Result{
		Finding:       finding("recommendations", reply),
		Next:          model.GoTo(model.StageQualityChecker),
		InputSummary:  clip(v.Query(), 80),
		OutputSummary: clip(reply, 80),
	}, nil
}
