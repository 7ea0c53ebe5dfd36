package workflow

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// State is the single record a run reads and writes. Only the Executor
// mutates it; stages see a View.
type State struct {
	runID          uuid.UUID
	query          string
	history        []model.StageRecord
	datasets       map[string]model.DatasetHandle
	datasetOrder   []string
	findings       map[model.StageName]model.Finding
	revisionCount  int
	status         model.RunStatus
	class          model.QueryClass
	clarifications []string
	prompt         string
	resumeAt       model.StageName
	costSpent      float64
	report         string
	reason         model.FailureReason
	detail         string
	startedAt      time.Time
	finishedAt     time.Time
}

// NewState creates the state for a new run of query.
func NewState(query string) *State {
	return &State{
		runID:     uuid.New(),
		query:     query,
		datasets:  make(map[string]model.DatasetHandle),
		findings:  make(map[model.StageName]model.Finding),
		status:    model.RunStatusRunning,
		startedAt: time.Now().UTC(),
	}
}

func (s *State) RunID() uuid.UUID { return s.runID }
func (s *State) Query() string { return s.query }
func (s *State) Status() model.RunStatus { return s.status }
func (s *State) RevisionCount() int { return s.revisionCount }
func (s *State) CostSpent() float64 { return s.costSpent }
func (s *State) Report() string { return s.report }
func (s *State) Class() model.QueryClass { return s.class }
func (s *State) Prompt() string { return s.prompt }
func (s *State) ResumeAt() model.StageName { return s.resumeAt }

// History returns a copy of the stage records in commit order.
func (s *State) History() []model.StageRecord {
	return slices.Clone(s.history)
}

// View returns a read-only snapshot for a stage invocation.
func (s *State) View() View {
	ds := make([]model.DatasetHandle, 0, len(s.datasetOrder))
	for _, p := range s.datasetOrder {
		ds = append(ds, s.datasets[p])
	}
	return View{
		runID:          s.runID,
		query:          s.query,
		class:          s.class,
		revisionCount:  s.revisionCount,
		datasets:       ds,
		findings:       maps.Clone(s.findings),
		clarifications: slices.Clone(s.clarifications),
		history:        slices.Clone(s.history),
	}
}

// apply merges a stage result. The finding is always stored under the
// producing stage's name, and only user_facing may classify the query.
func (s *State) apply(stage model.StageName, r Result) string {
	key := ""
	if r.Finding != nil {
		s.findings[stage] = *r.Finding
		key = string(stage)
	}
	if r.Class != model.QueryUnclassified && stage == model.StageUserFacing {
		s.class = r.Class
	}
	for _, h := range r.Datasets {
		if _, ok := s.datasets[h.RawPath]; !ok {
			s.datasetOrder = append(s.datasetOrder, h.RawPath)
		}
		s.datasets[h.RawPath] = h
	}
	if r.Report != "" {
		s.report = r.Report
	}
	return key
}

func (s *State) appendRecord(rec model.StageRecord) model.StageRecord {
	rec.Seq = len(s.history) + 1
	s.history = append(s.history, rec)
	return rec
}

func (s *State) charge(usd float64) {
	s.costSpent += usd
}

func (s *State) finish(a model.NextAction) {
	s.status = a.Status
	s.reason = a.Reason
	s.detail = a.Detail
	s.prompt = ""
	s.resumeAt = ""
	s.finishedAt = time.Now().UTC()
}

func (s *State) suspend(at model.StageName, prompt string) {
	s.status = model.RunStatusAwaitingClarification
	s.prompt = prompt
	s.resumeAt = at
	s.finishedAt = time.Now().UTC()
}

func (s *State) resume(clarification string) {
	s.clarifications = append(s.clarifications, clarification)
	s.status = model.RunStatusRunning
	s.prompt = ""
}

// Transcript returns the archived form of the run.
func (s *State) Transcript() model.RunTranscript {
	return model.RunTranscript{
		ID:            s.runID,
		Query:         s.query,
		Status:        s.status,
		Reason:        s.reason,
		Detail:        s.detail,
		RevisionCount: s.revisionCount,
		CostUSD:       s.costSpent,
		Report:        s.report,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
		Records:       s.History(),
	}
}

// View is a stage's read-only window onto the run state.
type View struct {
	runID          uuid.UUID
	query          string
	class          model.QueryClass
	revisionCount  int
	datasets       []model.DatasetHandle
	findings       map[model.StageName]model.Finding
	clarifications []string
	history        []model.StageRecord
}

func (v View) RunID() uuid.UUID { return v.runID }
func (v View) Query() string { return v.query }
func (v View) Class() model.QueryClass { return v.class }
func (v View) RevisionCount() int { return v.revisionCount }
func (v View) Datasets() []model.DatasetHandle { return slices.Clone(v.datasets) }
func (v View) Clarifications() []string { return slices.Clone(v.clarifications) }
func (v View) History() []model.StageRecord { return slices.Clone(v.history) }

// Finding returns the finding stage wrote, if any.
func (v View) Finding(stage model.StageName) (model.Finding, bool) {
	f, ok := v.findings[stage]
	return f, ok
}
