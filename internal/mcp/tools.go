package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/storage"
)

func (s *Server) registerTools() {
	// whitepaper_ask: run a question through the analysis workflow.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_ask",
			mcplib.WithDescription(`Ask a policy or data analysis question.

The question runs through the full analysis workflow: validation, dataset
cleaning (cached by content), statistics, charts, recommendations, and a
quality review. Completed runs return the report and the path it was saved to.

If the question is too vague the run pauses and returns status
"awaiting_clarification" with a clarification_prompt. Answer it with
whitepaper_resume, passing the same run_id.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The question to analyse, e.g. 'revenue trends by region in Telangana'"),
				mcplib.Required(),
			),
		),
		s.handleAsk,
	)

	// whitepaper_resume: answer a clarification prompt.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_resume",
			mcplib.WithDescription("Answer the clarification prompt of a paused run and continue it."),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("run_id returned by whitepaper_ask"),
				mcplib.Required(),
			),
			mcplib.WithString("clarification",
				mcplib.Description("Your answer to the clarification prompt"),
				mcplib.Required(),
			),
		),
		s.handleResume,
	)

	// whitepaper_scan: profile datasets without cleaning them.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_scan",
			mcplib.WithDescription("Profile raw CSV datasets: rows, missing cells, duplicates, outliers, quality score, and whether a cleaned copy is cached. Nothing is written."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("paths",
				mcplib.Description("CSV files to scan. Defaults to every raw CSV in the configured input directory."),
				mcplib.WithStringItems(),
			),
		),
		s.handleScan,
	)

	// whitepaper_clean: run the ETL transform.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_clean",
			mcplib.WithDescription("Clean raw CSV datasets: drop duplicates, fill missing values, normalize dates, trim whitespace. Unchanged files are served from the cache unless overwrite is set."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("paths",
				mcplib.Description("CSV files to clean. Defaults to every raw CSV in the configured input directory."),
				mcplib.WithStringItems(),
			),
			mcplib.WithBoolean("overwrite",
				mcplib.Description("Recompute even when a cached artifact exists"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleClean,
	)

	// whitepaper_list: enumerate cache entries.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_list",
			mcplib.WithDescription("List cached cleaning results keyed by content fingerprint."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleList,
	)

	// whitepaper_status: workspace and cache summary.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_status",
			mcplib.WithDescription("Summarize the workspace: configured directories, which raw datasets are cached, and cache activity."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStatus,
	)

	// whitepaper_runs: archived run transcripts.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitepaper_runs",
			mcplib.WithDescription("List recent analysis runs, or fetch one run's full stage history by run_id."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Optional: return this run with its stage records"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to list"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleRuns,
	)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := strings.TrimSpace(request.GetString("query", ""))
	if query == "" {
		return errorResult("query is required"), nil
	}

	out, err := s.backend.Ask(ctx, query, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("ask failed: %v", err)), nil
	}
	if out.Status == model.RunStatusAwaitingClarification {
		s.pending.Put(out.State)
	}
	return jsonResult(compactOutcome(out))
}

func (s *Server) handleResume(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID returned by whitepaper_ask"), nil
	}
	clarification := strings.TrimSpace(request.GetString("clarification", ""))
	if clarification == "" {
		return errorResult("clarification is required"), nil
	}
	st, ok := s.pending.Take(id)
	if !ok {
		return errorResult(fmt.Sprintf("no paused run %s (it may have expired or already resumed)", id)), nil
	}

	out, err := s.backend.Resume(ctx, st, clarification, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("resume failed: %v", err)), nil
	}
	if out.Status == model.RunStatusAwaitingClarification {
		s.pending.Put(out.State)
	}
	return jsonResult(compactOutcome(out))
}

func (s *Server) handleScan(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	results, err := s.backend.Scan(ctx, request.GetStringSlice("paths", nil)...)
	if err != nil {
		return errorResult(fmt.Sprintf("scan failed: %v", err)), nil
	}
	items := make([]map[string]any, len(results))
	for i, r := range results {
		items[i] = compactScan(r)
	}
	return jsonResult(map[string]any{"datasets": items, "total": len(items)})
}

func (s *Server) handleClean(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	overwrite := request.GetBool("overwrite", false)
	results, err := s.backend.Clean(ctx, overwrite, request.GetStringSlice("paths", nil)...)
	if err != nil {
		return errorResult(fmt.Sprintf("clean failed: %v", err)), nil
	}
	items := make([]map[string]any, len(results))
	failed := 0
	for i, r := range results {
		items[i] = compactClean(r)
		if r.Err != nil {
			failed++
		}
	}
	return jsonResult(map[string]any{"datasets": items, "total": len(items), "failed": failed})
}

func (s *Server) handleList(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	listing, err := s.backend.ListCache(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	items := make([]map[string]any, len(listing.Entries))
	for i, e := range listing.Entries {
		items[i] = compactEntry(e)
	}
	resp := map[string]any{"entries": items, "total": len(items)}
	if len(listing.Corrupt) > 0 {
		resp["corrupt_keys"] = listing.Corrupt
	}
	return jsonResult(resp)
}

func (s *Server) handleStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"status":      st,
		"pending":     len(st.Pending()),
		"paused_runs": s.pending.Len(),
	})
}

func (s *Server) handleRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if raw := request.GetString("run_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("run_id must be a UUID"), nil
		}
		run, err := s.backend.Run(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", id)), nil
		}
		if err != nil {
			return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
		}
		return jsonResult(run)
	}

	runs, err := s.backend.Runs(ctx, request.GetInt("limit", 10))
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	items := make([]map[string]any, len(runs))
	for i, r := range runs {
		items[i] = map[string]any{
			"run_id":      r.ID,
			"query":       truncate(r.Query, 100),
			"status":      r.Status,
			"reason":      r.Reason,
			"cost_usd":    r.CostUSD,
			"finished_at": r.FinishedAt,
		}
	}
	return jsonResult(map[string]any{"runs": items, "total": len(items)})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
