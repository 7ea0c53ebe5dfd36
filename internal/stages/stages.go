// Package stages implements the nine workflow stages that turn a user query
// into a policy analysis report.
//
// Stages are stateless: everything they read comes from the run's View and
// everything they produce goes back through workflow.Result. Inference calls
// go through the injected inference.Client; dataset work goes through the
// ETL service so the content cache is always consulted.
package stages

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

// Deps are the collaborators shared by every stage.
type Deps struct {
	Inference  inference.Client
	ETL        *etl.Service
	InputDir   string
	ReportsDir string
	Logger     *slog.Logger

	// Now defaults to time.Now. Tests pin it for deterministic reports.
	Now func() time.Time
}

// New returns one stage per model.StageName, in graph order.
func New(d Deps) []workflow.Stage {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return []workflow.Stage{
		&userFacing{d},
		&queryChecker{d},
		&supervisor{d},
		&datasetHandler{d},
		&webSearcher{d},
		&analysisStats{d},
		&analysisViz{d},
		&analysisInsights{d},
		&qualityChecker{d},
	}
}

var (
	simpleKeywords = keywordSet("date", "time", "help", "hello", "hi", "thanks", "thank you")

	analysisKeywords = keywordSet(
		"data", "analysis", "consumption", "telangana", "hyderabad", "economic",
		"policy", "investment", "it companies", "business", "market", "trends",
		"statistics", "patterns", "insights", "correlation",
	)

	dataKeywords = keywordSet(
		"data", "dataset", "csv", "excel", "statistics", "trends", "correlation",
		"consumption", "analysis", "patterns", "insights", "telangana", "hyderabad",
		"economic", "policy", "investment", "it companies", "business", "market",
	)

	webKeywords = keywordSet(
		"recent", "current", "news", "latest", "trends", "market", "policy",
		"investment", "companies", "business", "industry", "growth", "development",
	)
)

// keywordSet compiles a case-insensitive, word-bounded alternation, so "hi"
// matches "hi there" but not "history".
func keywordSet(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// subject is the text keyword routing looks at: the query plus any
// clarifications the user has given.
func subject(v workflow.View) string {
	parts := append([]string{v.Query()}, v.Clarifications()...)
	return strings.Join(parts, "\n")
}

// decodeReply extracts the first JSON object from an inference reply and
// decodes it into dst. Models often wrap JSON in prose or code fences.
func decodeReply(reply string, dst any) bool {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(reply[start:end+1]), dst) == nil
}

// clip shortens s for record summaries.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func boolPtr(b bool) *bool { return &b }

func finding(summary, text string, metrics ...model.Metric) *model.Finding {
	return &model.Finding{Summary: summary, Text: text, Metrics: metrics}
}
