// Package agent implements the realtime voice worker. It registers with the
// room service over a dispatch websocket, joins the rooms it is handed, runs
// the per-turn enrichment and dialogue pipeline for each, and posts every
// room's transcript back to the backend at teardown.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kokoro/internal/livekit"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/paralinguistic"
)

const (
	dialTimeout      = 10 * time.Second
	dispatchTokenTTL = 24 * time.Hour

	redialBaseDelay = time.Second
	redialMaxDelay  = 30 * time.Second

	defaultMaxSessions       = 8
	defaultShutdownGrace     = 30 * time.Second
	defaultEnrichmentTimeout = 10 * time.Second
)

// Config carries the worker's settings.
type Config struct {
	// ServerURL is the room service base URL; http(s) schemes are
	// normalized to ws(s) when dialing.
	ServerURL string
	APIKey    string
	APISecret string

	// AgentName is the dispatch target this worker serves jobs for. Rooms
	// are provisioned with participant tokens naming it.
	AgentName string

	// MaxSessions caps concurrently served rooms; jobs beyond it are
	// declined.
	MaxSessions int

	// ShutdownGrace bounds how long Run waits for room teardowns after its
	// context is canceled.
	ShutdownGrace time.Duration

	// EnrichmentTimeout bounds per-turn paralinguistic analysis.
	EnrichmentTimeout time.Duration

	// WebhookURL receives each room's transcript; WebhookSecret, when set,
	// enables HMAC signing of the delivery.
	WebhookURL    string
	WebhookSecret string

	// SpoolDir, when set, keeps undeliverable transcripts on disk and
	// retries them after each successful dispatch registration. Empty
	// disables spooling; failed deliveries are then only logged.
	SpoolDir string
}

// Worker maintains the dispatch connection and fans room jobs out to
// sessions.
type Worker struct {
	cfg     Config
	chat    Completer
	enrich  paralinguistic.Provider
	webhook *WebhookClient
	spool   *Spool
	logger  *slog.Logger
}

// New creates a worker. Zero values in cfg for MaxSessions, ShutdownGrace,
// and EnrichmentTimeout fall back to defaults. An unusable spool directory
// is logged and the worker runs without spooling rather than refusing to
// serve rooms.
func New(cfg Config, chat Completer, enrich paralinguistic.Provider, logger *slog.Logger) *Worker {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = defaultEnrichmentTimeout
	}

	spool, err := NewSpool(logger, cfg.SpoolDir)
	if err != nil {
		logger.Warn("agent: transcript spool unavailable, continuing without",
			"dir", cfg.SpoolDir, "error", err)
	}

	return &Worker{
		cfg:     cfg,
		chat:    chat,
		enrich:  enrich,
		webhook: NewWebhookClient(cfg.WebhookURL, cfg.WebhookSecret),
		spool:   spool,
		logger:  logger,
	}
}

// dispatchJob is one room assignment from the server. Metadata is the raw
// room metadata blob attached at provisioning time.
type dispatchJob struct {
	RoomName string `json:"room_name"`
	Token    string `json:"token"`
	Metadata string `json:"metadata"`
}

// Run registers on the dispatch socket and serves jobs until ctx is
// canceled, redialing with capped backoff whenever the connection drops.
// After cancelation it waits up to ShutdownGrace for in-flight rooms to
// finish their teardown hooks, then returns regardless.
func (w *Worker) Run(ctx context.Context) error {
	var sessions errgroup.Group
	sessions.SetLimit(w.cfg.MaxSessions)

	attempt := 0
	for ctx.Err() == nil {
		conn, err := w.dialDispatch(ctx)
		if err == nil {
			attempt = 0
			w.logger.Info("agent: registered for dispatch", "agent_name", w.cfg.AgentName)
			// The backend is reachable again, so spooled transcripts get
			// another shot while jobs are being served.
			go w.drainSpool(ctx)
			w.serveJobs(ctx, conn, &sessions)
			_ = conn.Close()
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("agent: dispatch connection lost, reconnecting")
		} else {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("agent: dispatch dial failed", "error", err, "retry_in", redialDelay(attempt))
		}

		delay := redialDelay(attempt)
		attempt++
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	// Drain room sessions under the hard shutdown deadline. Teardown hooks
	// still running when it expires are abandoned with the process.
	done := make(chan struct{})
	go func() {
		_ = sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Warn("agent: shutdown deadline expired with rooms still draining")
	}
	return nil
}

// serveJobs reads assignments off one dispatch connection until it fails or
// ctx is canceled.
func (w *Worker) serveJobs(ctx context.Context, conn *websocket.Conn, sessions *errgroup.Group) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	for {
		var job dispatchJob
		if err := conn.ReadJSON(&job); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn("agent: dispatch read failed", "error", err)
			}
			return
		}
		if job.RoomName == "" || job.Token == "" {
			w.logger.Warn("agent: malformed job", "room", job.RoomName)
			continue
		}

		// Without usable metadata the agent cannot identify the user it is
		// supposed to serve, so the job is declined and the room's session
		// row is left to the backend sweep.
		var meta model.RoomMetadata
		if err := json.Unmarshal([]byte(job.Metadata), &meta); err != nil {
			w.logger.Error("agent: job metadata undecodable, declining", "room", job.RoomName, "error", err)
			continue
		}

		started := sessions.TryGo(func() error {
			w.runSession(ctx, job, meta)
			return nil
		})
		if !started {
			w.logger.Warn("agent: at session capacity, declining job",
				"room", job.RoomName,
				"max_sessions", w.cfg.MaxSessions,
			)
		}
	}
}

// runSession serves one room to completion.
func (w *Worker) runSession(ctx context.Context, job dispatchJob, meta model.RoomMetadata) {
	logger := w.logger.With("room", job.RoomName, "session_id", meta.SessionID)
	sess := &Session{
		serverURL:     w.cfg.ServerURL,
		roomName:      job.RoomName,
		token:         job.Token,
		meta:          meta,
		dialogue:      NewDialogue(w.chat, meta),
		enrich:        w.enrich,
		enrichTimeout: w.cfg.EnrichmentTimeout,
		webhook:       w.webhook,
		spool:         w.spool,
		logger:        logger,
	}

	logger.Info("agent: taking room")
	if err := sess.Run(ctx); err != nil {
		logger.Error("agent: room session failed", "error", err)
		return
	}
	logger.Info("agent: room session ended")
}

// drainSpool retries spooled transcripts in the background.
func (w *Worker) drainSpool(ctx context.Context) {
	if w.spool == nil {
		return
	}
	if n := w.spool.Drain(ctx, w.webhook.Deliver); n > 0 {
		w.logger.Info("agent: spooled transcripts delivered", "count", n)
	}
}

// dialDispatch opens the agent-registration socket, authenticating with a
// freshly minted agent token.
func (w *Worker) dialDispatch(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := wsEndpoint(w.cfg.ServerURL, "/agent-dispatch")
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("agent_name", w.cfg.AgentName)
	endpoint.RawQuery = q.Encode()

	token, err := livekit.MintAgentToken(w.cfg.APIKey, w.cfg.APISecret, w.cfg.AgentName, dispatchTokenTTL)
	if err != nil {
		return nil, err
	}
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token)

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent: dial dispatch (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent: dial dispatch: %w", err)
	}
	return conn, nil
}

// wsEndpoint rebases the configured server URL onto a websocket path,
// normalizing http(s) schemes to ws(s).
func wsEndpoint(serverURL, path string) (*url.URL, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("agent: invalid server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u, nil
}

// redialDelay is the wait before dispatch dial attempt n (zero-based):
// one second doubling per attempt, capped at thirty.
func redialDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return redialBaseDelay
	}
	if attempt >= 10 {
		return redialMaxDelay
	}
	d := redialBaseDelay << uint(attempt)
	if d > redialMaxDelay {
		return redialMaxDelay
	}
	return d
}
