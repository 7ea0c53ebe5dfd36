package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

const (
	roleAssistant = "You are a friendly CLI assistant for a policy data analysis tool."
	roleValidator = "You are a query validation specialist for a policy analysis system."
)

var (
	asksDate = regexp.MustCompile(`(?i)\b(?:date|day|today)\b`)
	asksTime = regexp.MustCompile(`(?i)\btime\b`)
)

// userFacing classifies the query. Simple queries are answered here and end
// the run; anything else goes on to validation.
type userFacing struct{ Deps }

func (s *userFacing) Name() model.StageName { return model.StageUserFacing }
func (s *userFacing) Tier() model.CostTier  { return model.TierCheap }

func (s *userFacing) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	q := v.Query()
	if !simpleKeywords.MatchString(q) || analysisKeywords.MatchString(q) {
		return workflow.Result{
			Class:         model.QueryAnalytic,
			Finding:       finding("analytic query", ""),
			Next:          model.GoTo(model.StageQueryChecker),
			InputSummary:  clip(q, 80),
			OutputSummary: "analytic query, forwarded for validation",
		}, nil
	}

	answer, err := s.answer(ctx, q)
	if err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{
		Class:         model.QuerySimple,
		Finding:       finding("answered directly", answer),
		Report:        answer,
		Next:          model.Terminal(model.RunStatusCompleted, model.ReasonNone, ""),
		InputSummary:  clip(q, 80),
		OutputSummary: clip(answer, 80),
	}, nil
}

// answer replies to a simple query. Date and time questions never need a
// model.
func (s *userFacing) answer(ctx context.Context, q string) (string, error) {
	now := s.Now()
	var parts []string
	if asksDate.MatchString(q) {
		parts = append(parts, "Today is "+now.Format("Monday, 2 January 2006")+".")
	}
	if asksTime.MatchString(q) {
		parts = append(parts, "The time is "+now.Format("15:04")+".")
	}
	if len(parts) > 0 {
		return strings.Join(parts, " "), nil
	}

	prompt := roleAssistant + "\nThis is a simple query, respond directly and briefly.\n\nQuery: " + q
	reply, err := s.Inference.Infer(ctx, prompt, s.Tier())
	if err != nil {
		return "", fmt.Errorf("stages: user_facing: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// validation is the JSON reply the query checker asks for.
type validation struct {
	Approved      *bool  `json:"approved"`
	Reason        string `json:"reason"`
	NeedsWeb      bool   `json:"needs_web"`
	NeedsData     bool   `json:"needs_data"`
	Clarification string `json:"clarification"`
}

// queryChecker decides whether the query is in scope for policy analysis.
type queryChecker struct{ Deps }

func (s *queryChecker) Name() model.StageName { return model.StageQueryChecker }
func (s *queryChecker) Tier() model.CostTier  { return model.TierCheap }

func (s *queryChecker) Execute(ctx context.Context, v workflow.View) (workflow.Result, error) {
	text := subject(v)
	if analysisKeywords.MatchString(text) {
		return workflow.Result{
			Finding:       &model.Finding{Summary: "auto-approved on analysis keywords", Approved: boolPtr(true)},
			Next:          model.GoTo(model.StageSupervisor),
			InputSummary:  clip(text, 80),
			OutputSummary: "approved: analysis keywords",
		}, nil
	}

	reply, err := s.Inference.Infer(ctx, s.prompt(v), s.Tier())
	if err != nil {
		return workflow.Result{}, fmt.Errorf("stages: query_checker: %w", err)
	}

	var val validation
	if !decodeReply(reply, &val) {
		s.Logger.Debug("stages: unparsable validation reply, approving", "run_id", v.RunID())
		return workflow.Result{
			Finding:       &model.Finding{Summary: "validation unclear, approved", Text: reply, Approved: boolPtr(true)},
			Next:          model.GoTo(model.StageSupervisor),
			InputSummary:  clip(text, 80),
			OutputSummary: "approved: unparsable validation reply",
		}, nil
	}

	if c := strings.TrimSpace(val.Clarification); c != "" && len(v.Clarifications()) == 0 {
		return workflow.Result{
			Finding:       &model.Finding{Summary: "clarification requested", Text: c},
			Next:          model.AwaitClarification(c),
			InputSummary:  clip(text, 80),
			OutputSummary: "asked: " + clip(c, 60),
		}, nil
	}

	if val.Approved != nil && !*val.Approved {
		reason := strings.TrimSpace(val.Reason)
		if reason == "" {
			reason = "not an analysis request"
		}
		return workflow.Result{
			Finding:       &model.Finding{Summary: "rejected", Text: reason, Approved: boolPtr(false)},
			Report:        "Query not suitable for analysis: " + reason,
			Next:          model.Terminal(model.RunStatusRejected, model.ReasonOutOfScope, reason),
			InputSummary:  clip(text, 80),
			OutputSummary: "rejected: " + clip(reason, 60),
		}, nil
	}

	f := &model.Finding{Summary: "approved", Text: val.Reason, Approved: boolPtr(true)}
	if val.NeedsData {
		f.Metrics = append(f.Metrics, model.Metric{Stat: statNeedsData, Value: 1})
	}
	if val.NeedsWeb {
		f.Metrics = append(f.Metrics, model.Metric{Stat: statNeedsWeb, Value: 1})
	}
	return workflow.Result{
		Finding:       f,
		Next:          model.GoTo(model.StageSupervisor),
		InputSummary:  clip(text, 80),
		OutputSummary: fmt.Sprintf("approved: needs_data=%t needs_web=%t", val.NeedsData, val.NeedsWeb),
	}, nil
}

func (s *queryChecker) prompt(v workflow.View) string {
	var b strings.Builder
	b.WriteString(roleValidator)
	b.WriteString(`
Approve data, policy, economic, market, investment and regional analysis requests.
Reject personal questions, offensive content, entertainment and chit-chat.
If the request is too vague to analyse, ask one short clarifying question.
Respond with JSON: {"approved": true/false, "reason": "...", "needs_web": true/false, "needs_data": true/false, "clarification": ""}

Query to validate: `)
	b.WriteString(v.Query())
	for _, c := range v.Clarifications() {
		b.WriteString("\nUser clarification: ")
		b.WriteString(c)
	}
	return b.String()
}

const (
	statNeedsData = "needs_data"
	statNeedsWeb  = "needs_web"
)

// supervisor picks the first data-gathering stage.
type supervisor struct{ Deps }

func (s *supervisor) Name() model.StageName { return model.StageSupervisor }
func (s *supervisor) Tier() model.CostTier  { return model.TierCheap }

func (s *supervisor) Execute(_ context.Context, v workflow.View) (workflow.Result, error) {
	text := subject(v)
	needsData := dataKeywords.MatchString(text)
	needsWeb := webKeywords.MatchString(text)
	if f, ok := v.Finding(model.StageQueryChecker); ok {
		needsData = needsData || len(f.MetricsFor(statNeedsData)) > 0
		needsWeb = needsWeb || len(f.MetricsFor(statNeedsWeb)) > 0
	}

	next := model.GoTo(model.StageAnalysisStats)
	switch {
	case needsData:
		next = model.GoTo(model.StageDatasetHandler)
	case needsWeb:
		next = model.GoTo(model.StageWebSearcher)
	}
	plan := fmt.Sprintf("data=%t web=%t", needsData, needsWeb)
	return workflow.Result{
		Finding:       finding("orchestration plan", plan),
		Next:          next,
		InputSummary:  clip(text, 80),
		OutputSummary: plan + " -> " + next.String(),
	}, nil
}
