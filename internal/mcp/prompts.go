package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// policy-analysis: walks the agent through scan, clean, ask.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("policy-analysis",
			mcplib.WithPromptDescription("Analyse the local datasets to answer a policy question"),
			mcplib.WithArgument("question",
				mcplib.ArgumentDescription("The policy or data question to answer"),
				mcplib.RequiredArgument(),
			),
		),
		s.handlePolicyAnalysisPrompt,
	)

	// data-quality: scan-only review of the input directory.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("data-quality",
			mcplib.WithPromptDescription("Review the quality of the raw datasets before analysis"),
		),
		s.handleDataQualityPrompt,
	)
}

func (s *Server) handlePolicyAnalysisPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	question := request.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Answer a policy question from the local datasets",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Answer this question with whitepaper: %q

1. CALL whitepaper_status to see which datasets exist and which are already cleaned.

2. If any dataset has a low quality score or a quality warning, CALL
   whitepaper_scan on it and mention the problems in your answer.

3. CALL whitepaper_ask with the question. Cleaning happens automatically
   and cached results are reused.

4. If the result has status "awaiting_clarification", ask the user the
   clarification_prompt, then CALL whitepaper_resume with the run_id and
   their answer.

5. Summarize the report. Quote the numbers it cites and give the saved
   report path.`, question),
				},
			},
		},
	}, nil
}

func (s *Server) handleDataQualityPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Review raw dataset quality",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `CALL whitepaper_scan with no arguments to profile every raw dataset.

For each dataset report rows, missing cells, duplicates, outliers and the
quality score. Call out mixed-type columns by name: they usually mean a
unit or formatting problem in the source. Recommend whitepaper_clean for
datasets that are not cached yet.`,
				},
			},
		},
	}, nil
}
