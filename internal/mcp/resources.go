package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const recentSessionsLimit = 10

func (s *Server) registerResources() {
	// kokoro://sessions/recent — the user's latest completed sessions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kokoro://sessions/recent",
			"Recent Sessions",
			mcplib.WithResourceDescription("The authenticated user's most recent completed support sessions with their analysis"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentSessions,
	)
}

func (s *Server) handleRecentSessions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent sessions: %w", err)
	}

	recent, err := s.db.ListRecentCompletedSessions(ctx, userID, recentSessionsLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent sessions: %w", err)
	}

	data, err := json.MarshalIndent(compactSessions(recent), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kokoro://sessions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
