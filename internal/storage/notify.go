package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelSessions carries session finalization events from the webhook and
// sweep paths to the SSE broker.
const ChannelSessions = "kokoro_sessions"

// ErrNoNotifyConn is returned by Listen and WaitForNotification when the
// server started without a NOTIFY_URL. NOTIFY itself still works, it just
// has no in-process listener.
var ErrNoNotifyConn = errors.New("storage: notify connection not configured")

// Listen subscribes the dedicated notify connection to a channel. LISTEN
// state lives on a single connection, which is why this uses the direct
// NOTIFY_URL connection rather than the pool: a pooler in transaction mode
// would silently drop the subscription between statements.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any channel the
// notify connection subscribed to, returning the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes a payload on a channel. It goes through the pool, so it
// works with or without a notify connection, and a NOTIFY issued inside a
// transaction that rolls back is never delivered.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
