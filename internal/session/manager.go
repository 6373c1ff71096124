// Package session runs practice sessions from acceptance to completion.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"practicehub/internal/clock"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

// Repository is the persistence the manager needs.
type Repository interface {
	interfaces.SessionRepository
	interfaces.MessageRepository
}

// StatsRecorder folds a finished session into a participant's statistics.
type StatsRecorder interface {
	RecordPractice(ctx context.Context, userID string, rating int, at time.Time) error
}

// StartParams describes a session created from an accepted request.
type StartParams struct {
	Participants []string
	Topic        string
	SkillLevel   types.SkillLevel
	Duration     int
	RequestID    string
}

// Options tunes the manager.
type Options struct {
	// MaxMessageBytes caps a relayed chat line; zero means no byte cap.
	MaxMessageBytes int
}

// Manager owns every practice session.
// ARCHITECTURAL DISCOVERY: Ended sessions stay in the table so a repeated
// end is answered from memory as a no-op instead of a repository lookup
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*types.PracticeSession // sessionID -> session
	byRequest map[string]string                 // requestID -> sessionID

	repo     Repository
	notifier interfaces.Notifier
	stats    StatsRecorder
	clock    clock.Clock
	opts     Options
	logger   *slog.Logger
}

// NewManager creates a session manager. repo and stats may be nil.
func NewManager(repo Repository, notifier interfaces.Notifier, stats StatsRecorder, clk clock.Clock, opts Options, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*types.PracticeSession),
		byRequest: make(map[string]string),
		repo:      repo,
		notifier:  notifier,
		stats:     stats,
		clock:     clk,
		opts:      opts,
		logger:    logger.With("component", "session"),
	}
}

// LoadActiveSessions loads all non-terminal sessions from the repository into memory
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	sessions, err := m.repo.ListActivePracticeSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		m.sessions[s.ID] = s
		if s.RequestID != "" {
			m.byRequest[s.RequestID] = s.ID
		}
	}

	m.logger.Info("loaded active sessions", "count", len(sessions))
	return nil
}

// Start creates an active session. At most one session exists per request.
// A persistence failure is returned alongside the session, which stays live.
func (m *Manager) Start(ctx context.Context, params StartParams) (*types.PracticeSession, error) {
	duration := params.Duration
	if duration == 0 {
		duration = types.DefaultDurationMinutes
	}
	skill := params.SkillLevel
	if skill == "" {
		skill = types.SkillBeginner
	}
	s := &types.PracticeSession{
		ID:           uuid.New().String(),
		Participants: append([]string(nil), params.Participants...),
		Topic:        params.Topic,
		SkillLevel:   skill,
		Duration:     duration,
		RequestID:    params.RequestID,
		Status:       types.SessionActive,
		StartTime:    m.clock.Now().UTC(),
		Feedback:     map[string]types.Feedback{},
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if params.RequestID != "" {
		if existingID, exists := m.byRequest[params.RequestID]; exists {
			existing := m.sessions[existingID].Clone()
			m.mu.Unlock()
			return existing, ErrDuplicateForRequest
		}
		m.byRequest[params.RequestID] = s.ID
	}
	m.sessions[s.ID] = s
	snapshot := s.Clone()
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", s.ID,
		"request_id", s.RequestID,
		"participants", s.Participants,
		"duration", s.Duration)

	if m.repo != nil {
		if err := m.repo.CreatePracticeSession(ctx, snapshot); err != nil {
			m.logger.Error("failed to persist session", "session_id", s.ID, "error", err)
			return snapshot, fmt.Errorf("%w: create session %s: %v", interfaces.ErrPersistence, s.ID, err)
		}
	}
	return snapshot, nil
}

// End completes a session with optional feedback keyed by participant.
// FUNCTIONAL DISCOVERY: Ending a terminal session is a successful no-op so
// both participants may press "end" at the same moment
func (m *Manager) End(ctx context.Context, sessionID, endedBy string, feedback map[string]types.Feedback) (*types.PracticeSession, error) {
	for userID, fb := range feedback {
		if err := fb.Validate(); err != nil {
			return nil, fmt.Errorf("feedback for %s: %w", userID, err)
		}
	}

	if err := m.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	s := m.sessions[sessionID]
	if !s.HasParticipant(endedBy) {
		m.mu.Unlock()
		return nil, ErrNotParticipant
	}
	for userID := range feedback {
		if !s.HasParticipant(userID) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: feedback for %s", ErrNotParticipant, userID)
		}
	}
	if s.Status.IsTerminal() {
		snapshot := s.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}

	now := m.clock.Now().UTC()
	s.Status = types.SessionCompleted
	s.EndTime = &now
	if s.Feedback == nil {
		s.Feedback = make(map[string]types.Feedback, len(feedback))
	}
	for userID, fb := range feedback {
		s.Feedback[userID] = fb
	}
	snapshot := s.Clone()
	m.mu.Unlock()

	m.logger.Info("session completed", "session_id", sessionID, "ended_by", endedBy)
	m.notifySession(snapshot, types.EventSessionEnded)

	// TECHNICAL DISCOVERY: One participant's stats failure must not block the other
	if m.stats != nil {
		for _, userID := range snapshot.Participants {
			fb, ok := feedback[userID]
			if !ok || !fb.HasRating() {
				continue
			}
			if err := m.stats.RecordPractice(ctx, userID, fb.Rating, now); err != nil {
				m.logger.Error("failed to record practice", "session_id", sessionID, "user_id", userID, "error", err)
			}
		}
	}

	return snapshot, m.persistUpdate(ctx, snapshot)
}

// Cancel aborts a non-terminal session. Only participants may cancel.
func (m *Manager) Cancel(ctx context.Context, sessionID, userID string) (*types.PracticeSession, error) {
	if err := m.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	s := m.sessions[sessionID]
	if !s.HasParticipant(userID) {
		m.mu.Unlock()
		return nil, ErrNotParticipant
	}
	if s.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, ErrSessionEnded
	}
	now := m.clock.Now().UTC()
	s.Status = types.SessionCancelled
	s.EndTime = &now
	snapshot := s.Clone()
	m.mu.Unlock()

	m.logger.Info("session cancelled", "session_id", sessionID, "cancelled_by", userID)
	m.notifySession(snapshot, types.EventSessionEnded)
	return snapshot, m.persistUpdate(ctx, snapshot)
}

// RelayMessage delivers a chat line to exactly the session's participants.
// A message for an unknown or ended session, or from a non-participant, is
// logged and dropped; IsDroppedMessage identifies those errors so callers
// can stay silent towards the sender.
func (m *Manager) RelayMessage(ctx context.Context, sessionID, senderID, content string) (*types.SessionMessage, error) {
	payload := types.SessionMessagePayload{SessionID: sessionID, SenderID: senderID, Content: content}
	if err := payload.Validate(); err != nil {
		m.logger.Warn("dropping invalid session message", "session_id", sessionID, "user_id", senderID, "error", err)
		return nil, err
	}
	if m.opts.MaxMessageBytes > 0 && len(content) > m.opts.MaxMessageBytes {
		m.logger.Warn("dropping oversized session message", "session_id", sessionID, "user_id", senderID, "bytes", len(content))
		return nil, ErrMessageTooLarge
	}

	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	var reject error
	switch {
	case !exists:
		reject = ErrSessionNotFound
	case s.Status.IsTerminal():
		reject = ErrSessionEnded
	case !s.HasParticipant(senderID):
		reject = ErrNotParticipant
	}
	m.mu.Unlock()

	if reject != nil {
		m.logger.Warn("dropping session message", "session_id", sessionID, "user_id", senderID, "reason", reject)
		return nil, reject
	}

	msg := &types.SessionMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		SentAt:    m.clock.Now().UTC(),
	}
	if m.notifier != nil {
		m.notifier.ToSession(sessionID, types.EventSessionMessageReceived, msg)
	}

	if m.repo != nil {
		if err := m.repo.StoreSessionMessage(ctx, msg); err != nil {
			m.logger.Error("failed to persist session message", "session_id", sessionID, "error", err)
			return msg, fmt.Errorf("%w: store message: %v", interfaces.ErrPersistence, err)
		}
	}
	return msg, nil
}

// Messages returns the stored chat history of a session.
func (m *Manager) Messages(ctx context.Context, sessionID string) ([]*types.SessionMessage, error) {
	if m.repo == nil {
		return []*types.SessionMessage{}, nil
	}
	return m.repo.GetSessionMessages(ctx, sessionID)
}

// Get retrieves a session by ID, falling back to the repository.
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.PracticeSession, error) {
	if err := m.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID].Clone(), nil
}

// ListActive returns non-terminal sessions ordered by start time.
func (m *Manager) ListActive() []*types.PracticeSession {
	m.mu.Lock()
	out := make([]*types.PracticeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Participants returns the participants of a known session, or nil.
func (m *Manager) Participants(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}
	return append([]string(nil), s.Participants...)
}

// GetStats returns session manager statistics
func (m *Manager) GetStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			active++
		}
	}
	return map[string]int{
		"active_sessions": active,
		"cache_size":      len(m.sessions),
	}
}

// ensureLoaded makes sure sessionID is in the table, reading it from the
// repository when it is not. Sessions are never removed from the table, so
// once this returns nil the entry stays present.
// TECHNICAL DISCOVERY: The repository read runs without m.mu so a lookup of
// an unknown ID never stalls other sessions behind SQLite
func (m *Manager) ensureLoaded(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if exists {
		return nil
	}
	if m.repo == nil {
		return ErrSessionNotFound
	}

	s, err := m.repo.GetPracticeSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: load session %s: %v", interfaces.ErrPersistence, sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent Start or load may have won; the in-memory copy is authoritative.
	if _, exists := m.sessions[s.ID]; !exists {
		m.sessions[s.ID] = s
		if s.RequestID != "" {
			m.byRequest[s.RequestID] = s.ID
		}
	}
	return nil
}

func (m *Manager) persistUpdate(ctx context.Context, s *types.PracticeSession) error {
	if m.repo == nil {
		return nil
	}
	if err := m.repo.UpdatePracticeSession(ctx, s); err != nil {
		m.logger.Error("failed to persist session update", "session_id", s.ID, "error", err)
		return fmt.Errorf("%w: update session %s: %v", interfaces.ErrPersistence, s.ID, err)
	}
	return nil
}

// notifySession sends the session snapshot to its participants. The router
// resolves them through Participants, so it must be called without m.mu held.
func (m *Manager) notifySession(s *types.PracticeSession, event string) {
	if m.notifier != nil {
		m.notifier.ToSession(s.ID, event, s)
	}
}
