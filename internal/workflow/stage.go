// Package workflow runs a query through the stage graph.
//
// The Executor owns each run's State, invokes one Stage at a time against a
// read-only View, applies the stage's Result, and asks the Router where to go
// next. Routing is the only place loops are bounded and illegal transitions
// are caught.
package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// Stage is one node in the workflow graph.
type Stage interface {
	Name() model.StageName
	Tier() model.CostTier
	Execute(ctx context.Context, v View) (Result, error)
}

// Result is what a stage hands back to the executor. The executor, not the
// stage, decides where the finding is stored.
type Result struct {
	Finding  *model.Finding
	Datasets []model.DatasetHandle
	Class    model.QueryClass
	Report   string
	Next     model.NextAction

	InputSummary  string
	OutputSummary string
}

// Registry is the fixed set of stages a run may visit.
type Registry struct {
	stages map[model.StageName]Stage
}

// NewRegistry validates that stages cover every known stage exactly once.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[model.StageName]Stage, len(stages))}
	for _, s := range stages {
		name := s.Name()
		if !name.Valid() {
			return nil, fmt.Errorf("workflow: unknown stage %q", name)
		}
		if _, dup := r.stages[name]; dup {
			return nil, fmt.Errorf("workflow: stage %q registered twice", name)
		}
		r.stages[name] = s
	}
	for _, name := range model.AllStages {
		if _, ok := r.stages[name]; !ok {
			return nil, fmt.Errorf("workflow: stage %q not registered", name)
		}
	}
	return r, nil
}

// Get returns the stage registered under name.
func (r *Registry) Get(name model.StageName) (Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// Names returns registered stage names in graph order.
func (r *Registry) Names() []model.StageName {
	return slices.Clone(model.AllStages)
}
