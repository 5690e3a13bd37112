// Package sessions implements the session lifecycle shared by the HTTP API
// and the MCP server: room provisioning, resumption with carried-over
// context, webhook finalization, listings, and progress insights.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/livekit"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/analyzer"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

const (
	// maxRoomParticipants caps a room at the user plus the agent.
	maxRoomParticipants = 2

	// sweepBatchSize bounds how many stale sessions one sweep cycle touches.
	sweepBatchSize = 100

	defaultPageSize = 20
	maxPageSize     = 100

	topValuesLimit      = 5
	recentSessionsLimit = 5

	// Finalization can deadlock against the sweep and the outbox worker,
	// which lock session rows in different orders.
	finalizeRetries    = 2
	finalizeRetryDelay = 50 * time.Millisecond
)

// ProvisioningError wraps a room or token failure that happened after the
// session row was committed. The row is left ACTIVE; the reconciliation
// sweep expires it if the client never retries.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string {
	return "sessions: provisioning failed: " + e.Err.Error()
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Config carries the room-provisioning knobs the service needs.
type Config struct {
	// RoomAPIKey and RoomAPISecret sign participant join tokens.
	RoomAPIKey    string
	RoomAPISecret string

	// RoomTokenTTL bounds how long an issued join token stays valid.
	RoomTokenTTL time.Duration

	// AgentName is dispatched into every room when the participant connects.
	AgentName string

	// RoomEmptyTimeout is how long the media server keeps an empty room
	// alive, in seconds.
	RoomEmptyTimeout int

	// SweepStaleAfter is how long a session may stay ACTIVE before the
	// sweep considers it abandoned.
	SweepStaleAfter time.Duration
}

// Service encapsulates session business logic shared by HTTP and MCP handlers.
type Service struct {
	db       *storage.DB
	rooms    livekit.Rooms
	analyzer analyzer.Analyzer
	cfg      Config
	logger   *slog.Logger

	analyzeDuration metric.Float64Histogram
	finalized       metric.Int64Counter
}

// New creates the session service. rooms and az may be no-op implementations
// in development environments without a media server or an LLM provider.
func New(db *storage.DB, rooms livekit.Rooms, az analyzer.Analyzer, cfg Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("kokoro/sessions")
	analyzeDur, _ := meter.Float64Histogram("kokoro.analyzer.duration",
		metric.WithDescription("Time to analyze a session transcript (ms)"),
		metric.WithUnit("ms"),
	)
	finalized, _ := meter.Int64Counter("kokoro.sessions.finalized",
		metric.WithDescription("Sessions moved to a terminal status"),
	)
	return &Service{
		db:              db,
		rooms:           rooms,
		analyzer:        az,
		cfg:             cfg,
		logger:          logger,
		analyzeDuration: analyzeDur,
		finalized:       finalized,
	}
}

// Create opens a new session: a database row, a media room carrying the
// caller's identity in its metadata, and a join token that requests agent
// dispatch. The room name embeds the creation instant, so retries yield
// distinct rooms.
func (s *Service) Create(ctx context.Context, user model.User) (model.CreateSessionResponse, error) {
	roomName := model.DeriveRoomName(user.ID, time.Now())

	// 1. Persist first. If provisioning fails below, the ACTIVE row stays
	//    behind for the sweep rather than silently vanishing.
	session, err := s.db.CreateSession(ctx, user.ID, roomName)
	if err != nil {
		return model.CreateSessionResponse{}, fmt.Errorf("sessions: create: %w", err)
	}

	// 2. Provision the room and mint the caller's join token.
	token, err := s.provision(ctx, user, roomName, model.RoomMetadata{
		UserID:    user.ID.String(),
		UserName:  user.DisplayName(),
		SessionID: session.ID.String(),
	})
	if err != nil {
		s.logger.Error("sessions: provisioning failed",
			"session_id", session.ID, "room", roomName, "error", err)
		return model.CreateSessionResponse{}, err
	}

	s.logger.Info("sessions: session created",
		"session_id", session.ID, "user_id", user.ID, "room", roomName)
	return model.CreateSessionResponse{RoomName: roomName, Token: token, SessionID: session.ID}, nil
}

// Resume re-provisions the room for an existing session under its original
// name, with any stored analysis carried into the room metadata so the agent
// can pick up where the last conversation ended. The stored row itself is
// not modified.
func (s *Service) Resume(ctx context.Context, user model.User, sessionID uuid.UUID) (model.CreateSessionResponse, error) {
	session, err := s.db.GetSessionForUser(ctx, user.ID, sessionID)
	if err != nil {
		return model.CreateSessionResponse{}, fmt.Errorf("sessions: resume: %w", err)
	}

	token, err := s.provision(ctx, user, session.RoomName, model.RoomMetadata{
		UserID:          user.ID.String(),
		UserName:        user.DisplayName(),
		SessionID:       session.ID.String(),
		Summary:         session.Summary,
		KeyTopics:       session.KeyTopics,
		PrimaryEmotions: session.PrimaryEmotions,
	})
	if err != nil {
		s.logger.Error("sessions: re-provisioning failed",
			"session_id", session.ID, "room", session.RoomName, "error", err)
		return model.CreateSessionResponse{}, err
	}

	s.logger.Info("sessions: session resumed",
		"session_id", session.ID, "user_id", user.ID, "room", session.RoomName)
	return model.CreateSessionResponse{RoomName: session.RoomName, Token: token, SessionID: session.ID}, nil
}

// provision creates the media room and mints the caller's join token.
// All failures come back as *ProvisioningError.
func (s *Service) provision(ctx context.Context, user model.User, roomName string, meta model.RoomMetadata) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", &ProvisioningError{Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	if _, err := s.rooms.CreateRoom(ctx, livekit.CreateRoomRequest{
		Name:            roomName,
		EmptyTimeout:    s.cfg.RoomEmptyTimeout,
		MaxParticipants: maxRoomParticipants,
		Metadata:        string(metaJSON),
	}); err != nil {
		return "", &ProvisioningError{Err: fmt.Errorf("create room: %w", err)}
	}

	token, err := livekit.MintJoinToken(s.cfg.RoomAPIKey, s.cfg.RoomAPISecret, livekit.TokenOptions{
		Identity:  user.ID.String(),
		Name:      user.DisplayName(),
		Room:      roomName,
		AgentName: s.cfg.AgentName,
		TTL:       s.cfg.RoomTokenTTL,
	})
	if err != nil {
		return "", &ProvisioningError{Err: fmt.Errorf("mint token: %w", err)}
	}
	return token, nil
}

// Delete removes a session the user owns. The database row goes first, with
// pending embedding work removed by cascade; tearing down a still-live room
// is best effort, since the room may have expired on its own long ago.
func (s *Service) Delete(ctx context.Context, userID, sessionID uuid.UUID) error {
	session, err := s.db.GetSessionForUser(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	if err := s.db.DeleteSessionForUser(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}

	if session.Status == model.SessionStatusActive {
		if err := s.rooms.DeleteRoom(ctx, session.RoomName); err != nil {
			s.logger.Warn("sessions: room teardown failed",
				"session_id", sessionID, "room", session.RoomName, "error", err)
		}
	}

	s.logger.Info("sessions: session deleted", "session_id", sessionID, "user_id", userID)
	return nil
}

// FinalizeOutcome reports how one transcript delivery was handled.
type FinalizeOutcome struct {
	SessionID uuid.UUID

	// Status is the session's terminal status after a fresh finalization;
	// unset when AlreadyProcessed.
	Status model.SessionStatus

	// AlreadyProcessed is true when the session was finalized before this
	// delivery arrived, by an earlier delivery or by the sweep.
	AlreadyProcessed bool
}

// CompleteFromWebhook finalizes the session behind a transcript delivery.
// Redeliveries are no-ops: the terminal-status check up front catches most,
// and the conditional UPDATE in FinalizeSession settles concurrent races.
func (s *Service) CompleteFromWebhook(ctx context.Context, hook model.TranscriptWebhook) (FinalizeOutcome, error) {
	// 1. The agent knows only the room name; resolve it to the newest
	//    session, since resumed sessions reuse their name.
	session, err := s.db.GetSessionByRoomName(ctx, hook.RoomName)
	if err != nil {
		return FinalizeOutcome{}, fmt.Errorf("sessions: webhook lookup: %w", err)
	}

	// 2. Terminal rows make redelivery a no-op.
	if session.Status.IsTerminal() {
		return FinalizeOutcome{SessionID: session.ID, AlreadyProcessed: true}, nil
	}

	endedAt := time.Now().UTC()

	// 3. Analyze the transcript. Provider failures degrade to a default
	//    payload inside the analyzer; the only error surfaced here is
	//    context cancellation.
	start := time.Now()
	analysis, err := s.analyzer.Analyze(ctx, hook.Transcript, hook.DurationSeconds)
	s.analyzeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return FinalizeOutcome{}, s.failFinalization(session.ID, endedAt, hook.DurationSeconds, err)
	}

	// 4. One conditional UPDATE decides which delivery wins.
	var finalized bool
	err = storage.WithRetry(ctx, finalizeRetries, finalizeRetryDelay, func() error {
		var ferr error
		finalized, ferr = s.db.FinalizeSession(ctx, session.ID, analysis, hook.DurationSeconds, endedAt)
		return ferr
	})
	if err != nil {
		return FinalizeOutcome{}, s.failFinalization(session.ID, endedAt, hook.DurationSeconds, err)
	}
	if !finalized {
		return FinalizeOutcome{SessionID: session.ID, AlreadyProcessed: true}, nil
	}

	s.finalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", "webhook"),
		attribute.String("status", string(analysis.Status)),
	))

	// 5. Notify subscribers (after commit, non-fatal).
	s.notifyFinalized(ctx, session.ID, session.UserID, analysis.Status)

	s.logger.Info("sessions: session finalized",
		"session_id", session.ID, "status", analysis.Status,
		"duration_seconds", hook.DurationSeconds, "word_count", analysis.WordCount)
	return FinalizeOutcome{SessionID: session.ID, Status: analysis.Status}, nil
}

// failFinalization makes a best-effort attempt to park the session in ERROR
// before surfacing the cause. The caller's context may already be canceled,
// so the mark runs on its own deadline.
func (s *Service) failFinalization(sessionID uuid.UUID, endedAt time.Time, durationSeconds int, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.MarkSessionError(ctx, sessionID, endedAt, &durationSeconds); err != nil {
		s.logger.Error("sessions: error mark failed", "session_id", sessionID, "error", err)
	}
	return fmt.Errorf("sessions: finalize: %w", cause)
}

// notifyFinalized publishes a finalization event for event-stream
// subscribers. Failures are logged and swallowed; the finalization itself
// already committed.
func (s *Service) notifyFinalized(ctx context.Context, sessionID, userID uuid.UUID, status model.SessionStatus) {
	payload, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
		"status":     status,
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelSessions, string(payload)); err != nil {
		s.logger.Error("sessions: notify failed", "session_id", sessionID, "error", err)
	}
}

// ListByMonth returns one page of the user's sessions, newest first, grouped
// by calendar month. Pagination applies to the flat set before grouping, so
// a month straddling a page boundary appears in both pages and the client
// concatenates.
func (s *Service) ListByMonth(ctx context.Context, userID uuid.UUID, page, pageSize int) (model.SessionsPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	sessions, total, err := s.db.ListUserSessions(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return model.SessionsPage{}, fmt.Errorf("sessions: list: %w", err)
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return model.SessionsPage{
		Months: groupByMonth(sessions),
		Pagination: model.Pagination{
			Page:          page,
			PageSize:      pageSize,
			TotalSessions: total,
			TotalPages:    totalPages,
			HasNext:       page < totalPages,
			HasPrev:       page > 1,
		},
	}, nil
}

// groupByMonth buckets sessions by start month, preserving input order both
// across groups and within them.
func groupByMonth(sessions []model.Session) []model.MonthGroup {
	groups := []model.MonthGroup{}
	index := make(map[string]int)
	for _, sess := range sessions {
		started := sess.StartedAt.UTC()
		key := started.Format("2006-01")
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, model.MonthGroup{
				Key:   key,
				Label: fmt.Sprintf("%s %d", started.Month(), started.Year()),
			})
		}
		groups[i].Sessions = append(groups[i].Sessions, sess)
	}
	return groups
}

// Insights aggregates the user's completed sessions into progress metrics.
// The mood trend compares the two most recent scored sessions against the
// two oldest and needs at least four of them; fewer leaves the trend unset.
func (s *Service) Insights(ctx context.Context, userID uuid.UUID) (model.ProgressInsights, error) {
	completed, err := s.db.ListCompletedSessions(ctx, userID) // oldest first
	if err != nil {
		return model.ProgressInsights{}, fmt.Errorf("sessions: insights: %w", err)
	}

	insights := model.ProgressInsights{
		TotalSessions:  len(completed),
		TopTopics:      topValues(completed, func(s model.Session) []string { return s.KeyTopics }),
		TopEmotions:    topValues(completed, func(s model.Session) []string { return s.PrimaryEmotions }),
		RecentSessions: []model.Session{},
	}

	var moods []float64
	for _, sess := range completed {
		if sess.MoodScore != nil {
			moods = append(moods, *sess.MoodScore)
		}
	}
	if len(moods) > 0 {
		avg := mean(moods)
		insights.AverageMood = &avg
	}
	if len(moods) >= 4 {
		trend := mean(moods[len(moods)-2:]) - mean(moods[:2])
		insights.MoodTrend = &trend
	}

	recent, err := s.db.ListRecentCompletedSessions(ctx, userID, recentSessionsLimit)
	if err != nil {
		return model.ProgressInsights{}, fmt.Errorf("sessions: insights: %w", err)
	}
	if recent != nil {
		insights.RecentSessions = recent
	}
	return insights, nil
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// topValues ranks the values produced by pick across sessions by frequency,
// ties broken by first appearance, truncated to topValuesLimit.
func topValues(sessions []model.Session, pick func(model.Session) []string) []model.ValueCount {
	counts := make(map[string]int)
	order := []string{}
	for _, sess := range sessions {
		for _, v := range pick(sess) {
			if v == "" {
				continue
			}
			if _, seen := counts[v]; !seen {
				order = append(order, v)
			}
			counts[v]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > topValuesLimit {
		order = order[:topValuesLimit]
	}
	out := make([]model.ValueCount, len(order))
	for i, v := range order {
		out[i] = model.ValueCount{Value: v, Count: counts[v]}
	}
	return out
}

// Detail returns one session the user owns.
func (s *Service) Detail(ctx context.Context, userID, sessionID uuid.UUID) (model.Session, error) {
	session, err := s.db.GetSessionForUser(ctx, userID, sessionID)
	if err != nil {
		return model.Session{}, fmt.Errorf("sessions: detail: %w", err)
	}
	return session, nil
}

// Related returns the completed sessions most similar to the given one by
// summary embedding. An empty result means the reference embedding has not
// been computed yet, or nothing else is comparable.
func (s *Service) Related(ctx context.Context, userID, sessionID uuid.UUID, limit int) ([]model.RelatedSession, error) {
	rows, err := s.db.ListRelatedSessions(ctx, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sessions: related: %w", err)
	}
	related := make([]model.RelatedSession, len(rows))
	for i, r := range rows {
		related[i] = model.RelatedSession{Session: r.Session, Distance: r.Distance}
	}
	return related, nil
}

// Sweep expires ACTIVE sessions whose webhook never arrived: rows older than
// the staleness cutoff whose room no longer exists get a default analysis
// payload and an ERROR status. Sessions with a live room are left alone no
// matter how old; the conversation may genuinely still be running.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.SweepStaleAfter)
	stale, err := s.db.ListStaleActiveSessions(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("sessions: sweep: list stale: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	names := make([]string, len(stale))
	for i, sess := range stale {
		names[i] = sess.RoomName
	}

	// A room-service outage must not mass-expire sessions that are in fact
	// still running. Skip the cycle and let the next tick retry.
	rooms, err := s.rooms.ListRooms(ctx, names)
	if err != nil {
		return 0, fmt.Errorf("sessions: sweep: list rooms: %w", err)
	}
	live := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		live[r.Name] = true
	}

	swept := 0
	for _, sess := range stale {
		if live[sess.RoomName] {
			continue
		}
		endedAt := time.Now().UTC()
		duration := int(endedAt.Sub(sess.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
		var finalized bool
		err := storage.WithRetry(ctx, finalizeRetries, finalizeRetryDelay, func() error {
			var ferr error
			finalized, ferr = s.db.FinalizeSession(ctx, sess.ID, analyzer.DefaultAnalysis("", endedAt), duration, endedAt)
			return ferr
		})
		if err != nil {
			s.logger.Error("sessions: sweep finalize failed", "session_id", sess.ID, "error", err)
			continue
		}
		if !finalized {
			continue // a webhook landed between the listing and here
		}
		swept++
		s.finalized.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", "sweep"),
			attribute.String("status", string(model.SessionStatusError)),
		))
		s.notifyFinalized(ctx, sess.ID, sess.UserID, model.SessionStatusError)
		s.logger.Info("sessions: expired abandoned session",
			"session_id", sess.ID, "room", sess.RoomName, "started_at", sess.StartedAt)
	}
	return swept, nil
}
