package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker() *Broker {
	return &Broker{
		subscribers: make(map[chan []byte]uuid.UUID),
		logger:      testLogger(),
	}
}

func TestBrokerRoutesByUser(t *testing.T) {
	broker := newTestBroker()
	alice := uuid.New()
	bob := uuid.New()

	chAlice := broker.Subscribe(alice)
	chBob := broker.Subscribe(bob)

	event := formatSSE("kokoro_sessions", `{"session_id":"abc","user_id":"`+alice.String()+`","status":"completed"}`)
	broker.broadcast(alice, event)

	select {
	case got := <-chAlice:
		if string(got) != string(event) {
			t.Errorf("alice: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("alice: timed out waiting for event")
	}

	// Bob subscribed to his own stream and must not see alice's event.
	select {
	case got := <-chBob:
		t.Errorf("bob received another user's event: %q", got)
	default:
	}

	broker.Unsubscribe(chAlice)
	broker.Unsubscribe(chBob)
}

func TestBrokerFanOutSameUser(t *testing.T) {
	broker := newTestBroker()
	user := uuid.New()

	// Two tabs for the same user both receive the event.
	ch1 := broker.Subscribe(user)
	ch2 := broker.Subscribe(user)

	event := formatSSE("kokoro_sessions", `{"status":"completed"}`)
	broker.broadcast(user, event)

	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case got := <-ch:
			if string(got) != string(event) {
				t.Errorf("subscriber %d: got %q, want %q", i+1, got, event)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timed out waiting for event", i+1)
		}
	}

	// Unsubscribe ch1, broadcast again. Only ch2 should receive.
	broker.Unsubscribe(ch1)
	event2 := formatSSE("kokoro_sessions", `{"status":"failed"}`)
	broker.broadcast(user, event2)

	select {
	case got := <-ch2:
		if string(got) != string(event2) {
			t.Errorf("ch2: got %q, want %q", got, event2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := newTestBroker()
	user := uuid.New()

	// Create a slow subscriber (buffer that we never drain).
	slow := broker.Subscribe(user)
	fast := broker.Subscribe(user)

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.broadcast(user, formatSSE("kokoro_sessions", "fill"))
	}

	// Fast subscriber also has a full buffer now; drain one slot and make
	// sure the next broadcast still lands without blocking on slow.
	<-fast
	event := formatSSE("kokoro_sessions", "after-fill")
	broker.broadcast(user, event)

	select {
	case <-fast:
		// Got a buffered event; the slow subscriber did not block delivery.
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is blocked")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBrokerUnsubscribeCloses(t *testing.T) {
	broker := newTestBroker()
	ch := broker.Subscribe(uuid.New())
	broker.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after Unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("closed channel should read immediately")
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("kokoro_sessions", `{"id":"123"}`))
	want := "event: kokoro_sessions\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}
