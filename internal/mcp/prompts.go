package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// prepare-session — brief the assistant on the user's history before talking.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("prepare-session",
			mcplib.WithPromptDescription("Brief yourself on the user's session history before a new conversation"),
		),
		s.handlePrepareSessionPrompt,
	)

	// recap-progress — summarize the user's trajectory, optionally around a topic.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("recap-progress",
			mcplib.WithPromptDescription("Summarize the user's progress across past sessions"),
			mcplib.WithArgument("focus",
				mcplib.ArgumentDescription("Optional topic to center the recap on (e.g. work stress, sleep)"),
			),
		),
		s.handleRecapProgressPrompt,
	)
}

func (s *Server) handlePrepareSessionPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Prepare for a conversation using the user's session history",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Before responding to the user, ground yourself in their history:

1. CALL kokoro_progress_insights to see their overall trajectory:
   total sessions, average mood, mood trend, and recurring topics.

2. READ the kokoro://sessions/recent resource (or call
   kokoro_session_history) for what their last few sessions covered.

3. OPEN with continuity. Reference what they worked on last time where
   it is relevant, and notice changes: a rising mood trend is worth
   acknowledging, a falling one is worth gently asking about.

Do not recite their history back at them. Use it to ask better
questions and avoid making them repeat themselves.`,
				},
			},
		},
	}, nil
}

func (s *Server) handleRecapProgressPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	focus := request.Params.Arguments["focus"]

	var steps string
	if focus != "" {
		steps = fmt.Sprintf(`1. CALL kokoro_find_sessions with query=%q to collect the sessions
   where this came up, regardless of exact wording.

2. CALL kokoro_progress_insights for the wider context around them.`, focus)
	} else {
		steps = `1. CALL kokoro_progress_insights for the overall picture: session
   count, mood trend, and the topics and emotions that recur.

2. CALL kokoro_session_history for the most recent sessions so the
   recap ends with where things stand now.`
	}

	return &mcplib.GetPromptResult{
		Description: "Recap the user's progress from their session record",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Build a progress recap for the user from their actual session record:

%s

3. WRITE the recap in plain language. Name concrete things from the
   summaries (topics, breakthrough moments) rather than generic praise.
   Mention the mood trend only when the data supports it, and frame
   setbacks as part of the record, not as failures.`, steps),
				},
			},
		},
	}, nil
}
