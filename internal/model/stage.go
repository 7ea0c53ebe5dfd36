package model

import "time"

// StageName identifies one unit in the workflow graph.
type StageName string

const (
	StageUserFacing       StageName = "user_facing"
	StageQueryChecker     StageName = "query_checker"
	StageSupervisor       StageName = "supervisor"
	StageDatasetHandler   StageName = "dataset_handler"
	StageWebSearcher      StageName = "web_searcher"
	StageAnalysisStats    StageName = "analysis_stats"
	StageAnalysisViz      StageName = "analysis_viz"
	StageAnalysisInsights StageName = "analysis_insights"
	StageQualityChecker   StageName = "quality_checker"
)

// AllStages lists every stage in graph order.
var AllStages = []StageName{
	StageUserFacing,
	StageQueryChecker,
	StageSupervisor,
	StageDatasetHandler,
	StageWebSearcher,
	StageAnalysisStats,
	StageAnalysisViz,
	StageAnalysisInsights,
	StageQualityChecker,
}

// IsAnalysis reports whether the stage belongs to the analysis group or the
// stages that feed it data.
func (s StageName) IsAnalysis() bool {
	switch s {
	case StageDatasetHandler, StageWebSearcher, StageAnalysisStats,
		StageAnalysisViz, StageAnalysisInsights, StageQualityChecker:
		return true
	}
	return false
}

// Valid reports whether s names a known stage.
func (s StageName) Valid() bool {
	for _, n := range AllStages {
		if n == s {
			return true
		}
	}
	return false
}

// CostTier classifies the inference cost of a stage.
type CostTier string

const (
	TierCheap     CostTier = "cheap"
	TierExpensive CostTier = "expensive"
)

// Cost returns the accounted USD cost of one inference attempt at tier t.
func (t CostTier) Cost() float64 {
	if t == TierExpensive {
		return 0.03
	}
	return 0.002
}

// RecordOutcome is the kind of transition a StageRecord captured.
type RecordOutcome string

const (
	OutcomeHandoff  RecordOutcome = "handoff"
	OutcomeTerminal RecordOutcome = "terminal"
	OutcomeError    RecordOutcome = "error"
)

// StageRecord is one entry in a run's append-only history.
// Immutable once appended.
type StageRecord struct {
	Seq           int           `json:"seq"`
	Stage         StageName     `json:"stage"`
	Outcome       RecordOutcome `json:"outcome"`
	Target        string        `json:"target"`
	Tier          CostTier      `json:"tier"`
	Attempts      int           `json:"attempts"`
	Cost          float64       `json:"cost_usd"`
	FindingKey    string        `json:"finding_key,omitempty"`
	InputSummary  string        `json:"input_summary,omitempty"`
	OutputSummary string        `json:"output_summary,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// ActionKind discriminates NextAction variants.
type ActionKind string

const (
	ActionGoTo               ActionKind = "goto"
	ActionTerminal           ActionKind = "terminal"
	ActionAwaitClarification ActionKind = "await_clarification"
)

// NextAction is a routing decision: continue to a stage, stop, or suspend
// for user input.
type NextAction struct {
	Kind   ActionKind    `json:"kind"`
	Stage  StageName     `json:"stage,omitempty"`
	Status RunStatus     `json:"status,omitempty"`
	Reason FailureReason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
	Prompt string        `json:"prompt,omitempty"`
	// Revise marks a GoTo that re-enters the analysis group after a quality
	// rejection. The executor increments the revision count when it applies it.
	Revise bool `json:"revise,omitempty"`
}

// GoTo proposes a handoff to stage s.
func GoTo(s StageName) NextAction {
	return NextAction{Kind: ActionGoTo, Stage: s}
}

// Terminal proposes ending the run with status and reason.
func Terminal(status RunStatus, reason FailureReason, detail string) NextAction {
	return NextAction{Kind: ActionTerminal, Status: status, Reason: reason, Detail: detail}
}

// AwaitClarification proposes suspending the run until the user answers prompt.
func AwaitClarification(prompt string) NextAction {
	return NextAction{Kind: ActionAwaitClarification, Prompt: prompt}
}

// String renders the action the way it appears in a StageRecord target.
func (a NextAction) String() string {
	switch a.Kind {
	case ActionGoTo:
		return string(a.Stage)
	case ActionTerminal:
		if a.Reason != "" {
			return string(a.Status) + ":" + string(a.Reason)
		}
		return string(a.Status)
	case ActionAwaitClarification:
		return string(RunStatusAwaitingClarification)
	}
	return string(a.Kind)
}
