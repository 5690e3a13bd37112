// Package mcp implements the Model Context Protocol server for Kokoro.
//
// The MCP server gives MCP-compatible assistants read access to the
// authenticated user's session history: recent sessions as a resource,
// plus tools for paged history, progress insights, and semantic search
// over session summaries. It mounts at /mcp behind the HTTP auth
// middleware, so every handler context carries the caller's claims.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/service/sessions"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Server wraps the MCP server with Kokoro's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	sessions  *sessions.Service
	embedder  embedding.Provider
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts registered.
func New(db *storage.DB, sessionsSvc *sessions.Service, embedder embedding.Provider, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		sessions: sessionsSvc,
		embedder: embedder,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kokoro",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// requireUser extracts the authenticated user ID from the request context.
// The HTTP auth middleware in front of the /mcp mount stores claims there.
func requireUser(ctx context.Context) (uuid.UUID, error) {
	userID := ctxutil.UserIDFromContext(ctx)
	if userID == uuid.Nil {
		return uuid.Nil, errors.New("not authenticated")
	}
	return userID, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
