package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/model"
)

// edges lists the actions each stage may propose. Terminal entries name the
// allowed terminal status.
var edges = map[model.StageName][]model.NextAction{
	"": {model.GoTo(model.StageUserFacing)},
	model.StageUserFacing: {
		model.GoTo(model.StageQueryChecker),
		{Kind: model.ActionTerminal, Status: model.RunStatusCompleted},
	},
	model.StageQueryChecker: {
		model.GoTo(model.StageSupervisor),
		{Kind: model.ActionTerminal, Status: model.RunStatusRejected},
		{Kind: model.ActionAwaitClarification},
	},
	model.StageSupervisor: {
		model.GoTo(model.StageDatasetHandler),
		model.GoTo(model.StageWebSearcher),
		model.GoTo(model.StageAnalysisStats),
	},
	model.StageDatasetHandler: {
		model.GoTo(model.StageWebSearcher),
		model.GoTo(model.StageAnalysisStats),
	},
	model.StageWebSearcher:      {model.GoTo(model.StageAnalysisStats)},
	model.StageAnalysisStats:    {model.GoTo(model.StageAnalysisViz)},
	model.StageAnalysisViz:      {model.GoTo(model.StageAnalysisInsights)},
	model.StageAnalysisInsights: {model.GoTo(model.StageQualityChecker)},
	model.StageQualityChecker: {
		{Kind: model.ActionTerminal, Status: model.RunStatusCompleted},
		model.GoTo(model.StageAnalysisStats),
	},
}

// Router validates proposed transitions. It holds no mutable state.
type Router struct {
	MaxRevisions int
}

// Route resolves the action proposed by the stage that just ran. current is
// empty at the start of a run.
func (r Router) Route(current model.StageName, v View, proposal model.NextAction) model.NextAction {
	if current != "" && v.Class() == model.QuerySimple {
		return model.Terminal(model.RunStatusCompleted, model.ReasonNone, "")
	}
	if !allowed(current, proposal) {
		from := string(current)
		if from == "" {
			from = "start"
		}
		return model.Terminal(model.RunStatusFailed, model.ReasonIllegalTransition,
			fmt.Sprintf("%s may not transition to %s", from, proposal))
	}

	if current == model.StageQualityChecker && proposal.Kind == model.ActionGoTo {
		if v.RevisionCount()+1 > r.MaxRevisions {
			return model.Terminal(model.RunStatusFailed, model.ReasonRevisionLimitExceeded,
				fmt.Sprintf("quality check rejected the analysis %d times", v.RevisionCount()+1))
		}
		next := model.GoTo(model.StageAnalysisStats)
		next.Revise = true
		next.Detail = proposal.Detail
		return next
	}

	if proposal.Kind == model.ActionTerminal {
		return model.Terminal(proposal.Status, proposal.Reason, proposal.Detail)
	}
	out := proposal
	out.Revise = false
	return out
}

func allowed(current model.StageName, proposal model.NextAction) bool {
	for _, e := range edges[current] {
		if e.Kind != proposal.Kind {
			continue
		}
		switch e.Kind {
		case model.ActionGoTo:
			if e.Stage == proposal.Stage {
				return true
			}
		case model.ActionTerminal:
			if e.Status == proposal.Status {
				return true
			}
		case model.ActionAwaitClarification:
			return true
		}
	}
	return false
}

// RouteError maps a stage failure to a failed terminal.
func RouteError(current model.StageName, err error) model.NextAction {
	reason := model.ReasonStageError
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		reason = model.ReasonCancelled
	case errors.Is(err, ErrBudgetExceeded):
		reason = model.ReasonBudgetExceeded
	case errors.Is(err, ErrStageTimeout):
		reason = model.ReasonStageTimeout
	case errors.Is(err, inference.ErrTimeout):
		reason = model.ReasonInferenceTimeout
	case errors.Is(err, inference.ErrUnavailable):
		reason = model.ReasonInferenceUnavailable
	case errors.Is(err, etl.ErrInput):
		reason = model.ReasonInputError
	}
	detail := err.Error()
	var se *StageError
	if !errors.As(err, &se) && current != "" {
		detail = string(current) + ": " + detail
	}
	return model.Terminal(model.RunStatusFailed, reason, detail)
}
