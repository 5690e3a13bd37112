package server

import (
	"context"

	"github.com/ashita-ai/kokoro/internal/model"
)

// SessionHook receives a notification after a session reaches a terminal
// status through the transcript webhook. Hooks run in their own goroutine
// with a bounded context; failures are logged, never surfaced to the
// delivery, and never block the response.
type SessionHook interface {
	OnSessionFinalized(ctx context.Context, session model.Session) error
}
