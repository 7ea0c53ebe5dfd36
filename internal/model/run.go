// Package model defines the core domain types for whitepaper.
//
// Types here are shared by the workflow engine, the ETL service, the cache,
// and the storage layer. They carry JSON tags because cache records and run
// transcripts are persisted as JSON.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning               RunStatus = "running"
	RunStatusAwaitingClarification RunStatus = "awaiting_clarification"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusRejected              RunStatus = "rejected"
	RunStatusFailed                RunStatus = "failed"
)

// IsTerminal reports whether a run in this status will never execute
// another stage.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusRejected, RunStatusFailed:
		return true
	}
	return false
}

// FailureReason explains why a run stopped without completing.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonRevisionLimitExceeded FailureReason = "revision_limit_exceeded"
	ReasonBudgetExceeded        FailureReason = "budget_exceeded"
	ReasonCancelled             FailureReason = "cancelled"
	ReasonStageTimeout          FailureReason = "stage_timeout"
	ReasonInferenceUnavailable  FailureReason = "inference_unavailable"
	ReasonInferenceTimeout      FailureReason = "inference_timeout"
	ReasonInputError            FailureReason = "input_error"
	ReasonStageError            FailureReason = "stage_error"
	ReasonIllegalTransition     FailureReason = "illegal_transition"
	ReasonOutOfScope            FailureReason = "out_of_scope"
)

// QueryClass is the user-facing stage's classification of a query.
type QueryClass string

const (
	QueryUnclassified QueryClass = ""
	QuerySimple       QueryClass = "simple"
	QueryAnalytic     QueryClass = "analytic"
)

// RunTranscript is the archived form of a finished run.
type RunTranscript struct {
	ID            uuid.UUID     `json:"id"`
	Query         string        `json:"query"`
	Status        RunStatus     `json:"status"`
	Reason        FailureReason `json:"reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	RevisionCount int           `json:"revision_count"`
	CostUSD       float64       `json:"cost_usd"`
	Report        string        `json:"report,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Records       []StageRecord `json:"records,omitempty"`
}

// RunStats aggregates the archived runs started at or after Since.
type RunStats struct {
	Since    time.Time         `json:"since"`
	Runs     int               `json:"runs"`
	ByStatus map[RunStatus]int `json:"by_status"`
	CostUSD  float64           `json:"cost_usd"`
	Stages   []StageStats      `json:"stages"`
}

// StageStats aggregates one stage's records across runs. Stages are listed
// busiest first.
type StageStats struct {
	Stage        StageName     `json:"stage"`
	Calls        int           `json:"calls"`
	Attempts     int           `json:"attempts"`
	Errors       int           `json:"errors"`
	CostUSD      float64       `json:"cost_usd"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// ErrorRate is the share of calls that ended in a stage error.
func (s StageStats) ErrorRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Calls)
}
