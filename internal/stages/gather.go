package stages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const roleResearcher = "You are the web researcher for a policy analysis team."

// datasetHandler cleans every raw dataset in the input directory and
// attaches the handles to the run.
type datasetHandler struct{ Deps }

func (s *datasetHandler) Name() model.StageName { return model.StageDatasetHandler }
func (s *datasetHandler) Tier() model.CostTier  { return model.TierCheap }

func (s *datasetHandler) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	paths, err := dataset.Discover(s.InputDir)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: dataset_handler: %w: %v", etl.ErrDatasetUnreadable, err)
	}
	in := fmt.Sprintf("%d datasets in %s", len(paths), s.InputDir)
	if len(paths) == 0 {
		s.Logger.Info("stages: no datasets found", "run_id", v.RunID(), "dir", s.InputDir)
		return workflow.Result{
			Finding:       finding("no datasets found", "no CSV files in "+s.InputDir),
			Next:          model.GoTo(model.StageWebSearcher),
			InputSummary:  in,
			OutputSummary: "no datasets, falling back to web context",
		}, nil
	}

	results, err := s.ETL.CleanAll(ctx, paths, false)
	if err != nil {
		return workflow.Result{}, err
	}
	var (
		handles []model.DatasetHandle
		metrics []model.Metric
		lines   []string
		errs    []error
		hits    int
	)
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		name := filepath.Base(r.Path)
		handles = append(handles, r.Handle)
		metrics = append(metrics,
			model.Metric{Dataset: name, Stat: "rows", Value: float64(r.Summary.RowsOut)},
			model.Metric{Dataset: name, Stat: "quality_score", Value: r.Summary.QualityScore},
		)
		if r.Summary.CacheHit {
			hits++
		}
		line := fmt.Sprintf("%s: %d rows, %d duplicates removed, quality %.1f",
			name, r.Summary.RowsOut, r.Summary.DuplicatesRemoved, r.Summary.QualityScore)
		if r.Summary.CacheHit {
			line += " (cached)"
		}
		if r.Summary.QualityWarning {
			line += " [quality warning: " + strings.Join(r.Summary.Rationale, "; ") + "]"
		}
		lines = append(lines, line)
	}
	if len(errs) > 0 {
		return workflow.Result{}, fmt.Errorf("stages: dataset_handler: %w", errors.Join(errs...))
	}

	summary := fmt.Sprintf("%d datasets cleaned, %d from cache", len(handles), hits)
	return workflow.Result{
		Finding:       finding(summary, strings.Join(lines, "\n"), metrics...),
		Datasets:      handles,
		Next:          model.GoTo(model.StageAnalysisStats),
		InputSummary:  in,
		OutputSummary: summary,
	}, nil
}

// webSearcher gathers external context. There is no search backend, so the
// context comes from the cheap model's background knowledge.
type webSearcher struct{ Deps }

func (s *webSearcher) Name() model.StageName { return model.StageWebSearcher }
func (s *webSearcher) Tier() model.CostTier  { return model.TierCheap }

func (s *webSearcher) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	prompt := roleResearcher + `
Summarize current context, trends and recent developments relevant to the query
in at most five bullet points. Say so when you are unsure.

Query: ` + subject(v)
	reply, err := s.Inference.Infer(ctx, prompt, s.Tier())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: web_searcher: %w", err)
	}
	reply = strings.TrimSpace(reply)
	return workflow.Result{
		Finding:       finding("external context", reply),
		Next:          model.GoTo(model.StageAnalysisStats),
		InputSummary:  clip(v.Query(), 80),
		OutputSummary: clip(reply, 80),
	}, nil
}
