// Package mcp exposes whitepaper over the Model Context Protocol.
//
// MCP-compatible agents can scan and clean datasets, inspect the cache, ask
// analysis questions, answer clarification prompts, and read archived runs.
// The server speaks stdio; it holds no state beyond the runs that are
// waiting for a clarification.
package mcp

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/whitepaper/internal/cache"
	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

// Backend is the application surface the server exposes.
type Backend interface {
	Scan(ctx context.Context, paths ...string) ([]etl.ScanResult, error)
	Clean(ctx context.Context, overwrite bool, paths ...string) ([]etl.CleanResult, error)
	ListCache(ctx context.Context) (cache.Listing, error)
	Status(ctx context.Context) (model.Status, error)
	Ask(ctx context.Context, query string, obs workflow.Observer) (workflow.Outcome, error)
	Resume(ctx context.Context, st *workflow.State, clarification string, obs workflow.Observer) (workflow.Outcome, error)
	Runs(ctx context.Context, limit int) ([]model.RunTranscript, error)
	Run(ctx context.Context, id uuid.UUID) (model.RunTranscript, error)
}

// pendingTTL is how long a run waits for its clarification before it is
// dropped.
const pendingTTL = time.Hour

// Server wraps the mcp-go server with whitepaper's application layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	backend   Backend
	pending   *pendingRuns
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools, resources, and
// prompts registered.
func New(backend Backend, logger *slog.Logger, version string) *Server {
	s := &Server{
		backend: backend,
		pending: newPendingRuns(pendingTTL),
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"whitepaper",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over in and out until ctx is cancelled or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp: serving on stdio")
	return stdio.Listen(ctx, in, out)
}

// errorResult creates an MCP tool result that signals an error.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
