package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a loop
// and routes each payload to the subscribers of the user it belongs to.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start begins listening on the sessions channel.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelSessions); err != nil {
		b.logger.Error("broker: listen sessions", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelSessions)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		// Notification payloads carry the owning user so events reach only
		// that user's streams.
		var note struct {
			UserID uuid.UUID `json:"user_id"`
		}
		if err := json.Unmarshal([]byte(payload), &note); err != nil || note.UserID == uuid.Nil {
			b.logger.Warn("broker: unroutable notification", "channel", channel, "error", err)
			continue
		}

		b.broadcast(note.UserID, formatSSE(channel, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events for the
// given user. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(userID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = userID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to the target user's subscribers. A subscriber
// with a full buffer misses the event rather than blocking the fan-out.
func (b *Broker) broadcast(userID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, uid := range b.subscribers {
		if uid != userID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// formatSSE wraps a notification payload in the Server-Sent Events wire
// framing: an event line, a data line, and a blank terminator.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
