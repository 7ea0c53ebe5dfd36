package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriRecentRuns = "whitepaper://runs/recent"
	uriCache      = "whitepaper://cache"
)

func (s *Server) registerResources() {
	// whitepaper://runs/recent: the latest archived runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecentRuns,
			"Recent Runs",
			mcplib.WithResourceDescription("The 20 most recent analysis runs, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// whitepaper://cache: every cached cleaning result.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriCache,
			"Dataset Cache",
			mcplib.WithResourceDescription("Cached cleaning results keyed by content fingerprint"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCacheResource,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.backend.Runs(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	return jsonResource(uriRecentRuns, runs)
}

func (s *Server) handleCacheResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	listing, err := s.backend.ListCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: cache listing: %w", err)
	}
	return jsonResource(uriCache, listing)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
