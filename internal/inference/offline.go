package inference

import (
	"context"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// Offline answers without a model. Replies are deterministic and never
// valid JSON, so stages that parse structured replies take their fallback
// path.
type Offline struct{}

// Infer echoes the first line of the prompt as a canned note.
func (Offline) Infer(ctx context.Context, prompt string, tier model.CostTier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	return "[offline " + string(tier) + "] " + truncate(first, 160), nil
}
