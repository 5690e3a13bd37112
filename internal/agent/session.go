package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kokoro/internal/audio"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/paralinguistic"
)

// The rtc socket carries JSON text frames for control and transcription
// events plus binary frames of raw 16 kHz mono 16-bit PCM from the user's
// microphone. The agent speaks by sending an agent_reply event, which the
// server synthesizes into the room and echoes back once spoken.
const (
	eventJoin              = "join"
	eventParticipantJoined = "participant_joined"
	eventParticipantLeft   = "participant_left"
	eventTranscript        = "transcript"
	eventAgentReply        = "agent_reply"
)

// event is one JSON frame on the rtc socket. participant_joined is replayed
// at join time for participants already present, so the agent never misses
// the user by arriving second.
type event struct {
	Type        string       `json:"type"`
	Participant *participant `json:"participant,omitempty"`
	Text        string       `json:"text,omitempty"`
	Final       bool         `json:"final,omitempty"`
}

type participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

const frameQueueSize = 64

// Session is one agent tenure in one room. It runs a single-goroutine event
// loop in which audio ingestion, turn detection, enrichment, and dialogue
// are sequential stages; a reply is never generated while enrichment for the
// same turn is still pending. Sessions share no state with each other.
type Session struct {
	serverURL string
	roomName  string
	token     string
	meta      model.RoomMetadata

	dialogue      *Dialogue
	enrich        paralinguistic.Provider
	enrichTimeout time.Duration
	webhook       *WebhookClient
	spool         *Spool // nil when spooling is disabled
	logger        *slog.Logger

	buffer  TurnBuffer
	greeted bool
}

// inboundFrame is one socket read handed to the event loop.
type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Run joins the room and serves it until the user leaves, the socket closes,
// or ctx is canceled. Every exit path that reached the room posts the
// transcript webhook.
func (s *Session) Run(ctx context.Context) error {
	endpoint, err := wsEndpoint(s.serverURL, "/rtc")
	if err != nil {
		return err
	}
	q := endpoint.Query()
	q.Set("access_token", s.token)
	endpoint.RawQuery = q.Encode()

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("agent: dial room (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("agent: dial room: %w", err)
	}

	startedAt := time.Now()
	defer s.teardown(startedAt)
	defer func() { _ = conn.Close() }()

	s.logger.Info("agent: joined room")

	frames := make(chan inboundFrame, frameQueueSize)
	go readLoop(ctx, conn, frames)

	for {
		select {
		case <-ctx.Done():
			// Closing the socket below (via the deferred Close) unblocks the
			// reader; announce the departure first so the room can wind down.
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"), deadline)
			return nil
		case fr, ok := <-frames:
			if !ok {
				return nil
			}
			if fr.err != nil {
				if websocket.IsUnexpectedCloseError(fr.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return fmt.Errorf("agent: room socket: %w", fr.err)
				}
				return nil
			}
			if fr.messageType == websocket.BinaryMessage {
				s.buffer.Append(fr.data)
				continue
			}
			if done := s.handleEvent(ctx, conn, fr.data); done {
				return nil
			}
		}
	}
}

// readLoop feeds socket frames to the event loop and closes the channel when
// the socket does.
func readLoop(ctx context.Context, conn *websocket.Conn, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent dispatches one JSON frame. The return value reports that the
// session is over.
func (s *Session) handleEvent(ctx context.Context, conn *websocket.Conn, data []byte) bool {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("agent: undecodable event", "error", err)
		return false
	}

	switch ev.Type {
	case eventJoin:
		s.logger.Debug("agent: room join acknowledged")
	case eventParticipantJoined:
		if s.isUser(ev.Participant) {
			s.greet(ctx, conn)
		}
	case eventParticipantLeft:
		if s.isUser(ev.Participant) {
			s.logger.Info("agent: user left, ending session")
			return true
		}
	case eventTranscript:
		if ev.Participant != nil && !s.isUser(ev.Participant) {
			return false
		}
		// Interim transcripts only preview the utterance in flight.
		if ev.Final {
			s.handleTurn(ctx, conn, ev.Text)
		}
	case eventAgentReply:
		// Echo of our own synthesized speech; the history was already
		// updated when the reply was sent.
	default:
		s.logger.Debug("agent: ignoring event", "type", ev.Type)
	}
	return false
}

func (s *Session) isUser(p *participant) bool {
	return p != nil && p.Identity == s.meta.UserID
}

// greet speaks the opening line, once, when the user is present.
func (s *Session) greet(ctx context.Context, conn *websocket.Conn) {
	if s.greeted {
		return
	}
	s.greeted = true

	reply, err := s.dialogue.Greet(ctx)
	if err != nil {
		s.logger.Error("agent: greeting failed", "error", err)
		return
	}
	s.say(conn, reply)
}

// handleTurn runs the enrichment and dialogue stages for one completed
// utterance.
func (s *Session) handleTurn(ctx context.Context, conn *websocket.Conn, userText string) {
	s.buffer.Flush()
	pcm := s.buffer.Consume()

	contextLine := ""
	if len(pcm) > 0 {
		line, err := s.analyzeAudio(ctx, pcm)
		if err != nil {
			// No signal. The turn proceeds on the transcribed text alone.
			s.logger.Warn("agent: paralinguistic analysis failed", "error", err)
		} else {
			contextLine = line
		}
	}

	reply, err := s.dialogue.Reply(ctx, userText, contextLine)
	if err != nil {
		s.logger.Error("agent: reply generation failed", "error", err)
		return
	}
	s.say(conn, reply)
}

// analyzeAudio wraps the flushed utterance as WAV and asks the provider for
// an emotional-context line, bounded by the enrichment timeout.
func (s *Session) analyzeAudio(ctx context.Context, pcm []byte) (string, error) {
	enrichCtx, cancel := context.WithTimeout(ctx, s.enrichTimeout)
	defer cancel()
	return s.enrich.AnalyzeTurn(enrichCtx, audio.CaptureToWAV(pcm))
}

// say sends a reply into the room for synthesis. Delivery failures are
// logged without ending the session; the socket error will surface in the
// read loop if the connection is really gone.
func (s *Session) say(conn *websocket.Conn, text string) {
	if err := conn.WriteJSON(event{Type: eventAgentReply, Text: text}); err != nil {
		s.logger.Error("agent: send reply failed", "error", err)
	}
}

// teardown posts the transcript webhook: one attempt, on its own deadline
// since the session context is usually canceled by the time this runs. A
// failed delivery goes to the spool for a later drain; without a spool it
// is logged and the backend's reconciliation sweep settles the session row.
func (s *Session) teardown(startedAt time.Time) {
	payload := model.TranscriptWebhook{
		RoomName:        s.roomName,
		Transcript:      RenderTranscript(s.dialogue.History()),
		DurationSeconds: int(time.Since(startedAt).Seconds()),
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	if err := s.webhook.Deliver(ctx, payload); err != nil {
		if s.spool == nil {
			s.logger.Error("agent: transcript delivery failed", "error", err)
			return
		}
		if spoolErr := s.spool.Put(payload); spoolErr != nil {
			s.logger.Error("agent: transcript delivery failed and spooling failed",
				"error", err, "spool_error", spoolErr)
			return
		}
		s.logger.Warn("agent: transcript delivery failed, spooled for retry", "error", err)
		return
	}
	s.logger.Info("agent: transcript delivered", "duration_seconds", payload.DurationSeconds)
}
