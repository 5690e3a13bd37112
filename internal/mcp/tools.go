package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pgvector/pgvector-go"
)

func (s *Server) registerTools() {
	// kokoro_session_history — paged session history grouped by month.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_session_history",
			mcplib.WithDescription(`Browse the user's past support sessions, newest first, grouped by month.

WHEN TO USE: To review what the user has worked through before giving
advice, or when they reference earlier conversations and you need the
actual record rather than guessing.

WHAT YOU GET BACK:
- months: sessions grouped by calendar month, newest first, each with
  title, summary, key topics, emotions, and mood score once analyzed
- pagination: page/page_size/total counts for walking further back`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("page",
				mcplib.Description("Page to fetch, 1-based. Newer sessions come first."),
				mcplib.Min(1),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithNumber("page_size",
				mcplib.Description("Sessions per page"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleSessionHistory,
	)

	// kokoro_progress_insights — aggregate trajectory across sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_progress_insights",
			mcplib.WithDescription(`Summarize the user's trajectory across their completed sessions.

WHEN TO USE: To answer "how am I doing?" questions, or to open a
conversation with an informed view of the user's recent state instead
of starting cold.

WHAT YOU GET BACK:
- total_sessions and average_mood across completed sessions
- mood_trend: positive means mood is improving over time (present only
  once enough scored sessions exist)
- top_topics and top_emotions ranked by how often they came up
- recent_sessions: the latest completed sessions in compact form`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleProgressInsights,
	)

	// kokoro_find_sessions — semantic search over session summaries.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_find_sessions",
			mcplib.WithDescription(`Find past sessions by meaning, not exact wording.

WHEN TO USE: When the user refers to something they discussed before
("that time we talked about my manager") and you need the matching
sessions regardless of how the summary phrased it. For a plain
chronological view, use kokoro_session_history instead.

EXAMPLE QUERIES:
- "conflict with a coworker"
- "sleep problems and stress"
- "progress on public speaking anxiety"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of what you're looking for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum sessions to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleFindSessions,
	)
}

func (s *Server) handleSessionHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	page := request.GetInt("page", 1)
	pageSize := request.GetInt("page_size", 0) // 0 = service default

	result, err := s.sessions.ListByMonth(ctx, userID, page, pageSize)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	months := make([]map[string]any, 0, len(result.Months))
	for _, group := range result.Months {
		months = append(months, map[string]any{
			"month":    group.Key,
			"label":    group.Label,
			"sessions": compactSessions(group.Sessions),
		})
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"months":     months,
		"pagination": result.Pagination,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleProgressInsights(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	insights, err := s.sessions.Insights(ctx, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to compute insights: %v", err)), nil
	}

	out := map[string]any{
		"total_sessions":  insights.TotalSessions,
		"top_topics":      insights.TopTopics,
		"top_emotions":    insights.TopEmotions,
		"recent_sessions": compactSessions(insights.RecentSessions),
	}
	if insights.AverageMood != nil {
		out["average_mood"] = *insights.AverageMood
	}
	if insights.MoodTrend != nil {
		out["mood_trend"] = *insights.MoodTrend
	}

	resultData, _ := json.MarshalIndent(out, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleFindSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to embed query: %v", err)), nil
	}
	if isZeroVector(queryEmb) {
		return errorResult("semantic search is unavailable: no embedding provider is configured"), nil
	}

	matches, err := s.db.SearchSessionsByEmbedding(ctx, userID, queryEmb, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	results := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		entry := compactSession(m.Session)
		entry["distance"] = m.Distance
		results = append(results, entry)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"results": results,
		"total":   len(results),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// isZeroVector reports whether v has no nonzero component. The noop embedding
// provider returns zero vectors, and cosine distance against a zero vector is
// undefined.
func isZeroVector(v pgvector.Vector) bool {
	for _, f := range v.Slice() {
		if f != 0 {
			return false
		}
	}
	return true
}
