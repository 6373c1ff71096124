package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dbconfig "practicehub/pkg/database"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements the DatabaseManager interface on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed, retrying", "delay", m.retryDelay, "error", err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Users

// GetUser loads a stored profile; runtime flags are left false.
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.UserPresence, error) {
	row := m.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, interfaces.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// SaveUser inserts or replaces the stored profile and stats.
func (m *Manager) SaveUser(ctx context.Context, user *types.UserPresence) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO users (id, display_name, skill_level, match_preference, preferred_duration,
				sessions_completed, average_rating, current_streak, last_practice_at, last_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				skill_level = excluded.skill_level,
				match_preference = excluded.match_preference,
				preferred_duration = excluded.preferred_duration,
				sessions_completed = excluded.sessions_completed,
				average_rating = excluded.average_rating,
				current_streak = excluded.current_streak,
				last_practice_at = excluded.last_practice_at,
				last_active = excluded.last_active,
				updated_at = CURRENT_TIMESTAMP
		`
		_, err := db.ExecContext(ctx, query,
			user.UserID,
			user.DisplayName,
			user.SkillLevel,
			user.MatchPreference,
			user.PreferredDuration,
			user.SessionsCompleted,
			user.AverageRating,
			user.CurrentStreak,
			nullableTime(user.LastPracticeAt),
			user.LastActive.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		return nil
	})
}

// ListUsers returns every stored profile ordered by ID.
func (m *Manager) ListUsers(ctx context.Context) ([]*types.UserPresence, error) {
	rows, err := m.db.QueryContext(ctx, userSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.UserPresence
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

const userSelect = `
	SELECT id, display_name, skill_level, match_preference, preferred_duration,
		sessions_completed, average_rating, current_streak, last_practice_at, last_active
	FROM users`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*types.UserPresence, error) {
	var user types.UserPresence
	var lastPractice sql.NullTime
	err := s.Scan(
		&user.UserID,
		&user.DisplayName,
		&user.SkillLevel,
		&user.MatchPreference,
		&user.PreferredDuration,
		&user.SessionsCompleted,
		&user.AverageRating,
		&user.CurrentStreak,
		&lastPractice,
		&user.LastActive,
	)
	if err != nil {
		return nil, err
	}
	if lastPractice.Valid {
		user.LastPracticeAt = &lastPractice.Time
	}
	return &user, nil
}

// Match requests

// CreateMatchRequest stores a new invitation record.
func (m *Manager) CreateMatchRequest(ctx context.Context, req *types.MatchRequest) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO match_requests (id, requester_id, target_id, quick_match, preference, topic,
				skill_level, duration, status, created_at, expires_at, responded_at, session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			req.ID,
			req.RequesterID,
			nullableString(req.TargetID),
			req.QuickMatch,
			req.Preference,
			req.Topic,
			req.SkillLevel,
			req.Duration,
			req.Status,
			req.CreatedAt.UTC(),
			req.ExpiresAt.UTC(),
			nullableTime(req.RespondedAt),
			nullableString(req.SessionID),
		)
		if err != nil {
			return fmt.Errorf("failed to insert match request: %w", err)
		}
		return nil
	})
}

// GetMatchRequest loads a single invitation record.
func (m *Manager) GetMatchRequest(ctx context.Context, requestID string) (*types.MatchRequest, error) {
	req, err := scanMatchRequest(m.db.QueryRowContext(ctx, matchRequestSelect+` WHERE id = ?`, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("match request %s: %w", requestID, interfaces.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to query match request: %w", err)
	}
	return req, nil
}

// ListPendingMatchRequests returns pending invitations, oldest first.
func (m *Manager) ListPendingMatchRequests(ctx context.Context) ([]*types.MatchRequest, error) {
	rows, err := m.db.QueryContext(ctx,
		matchRequestSelect+` WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending match requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*types.MatchRequest
	for rows.Next() {
		req, err := scanMatchRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match request row: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating match request rows: %w", err)
	}
	return requests, nil
}

const matchRequestSelect = `
	SELECT id, requester_id, target_id, quick_match, preference, topic, skill_level,
		duration, status, created_at, expires_at, responded_at, session_id
	FROM match_requests`

func scanMatchRequest(s scanner) (*types.MatchRequest, error) {
	var req types.MatchRequest
	var targetID, sessionID sql.NullString
	var respondedAt sql.NullTime

	err := s.Scan(
		&req.ID,
		&req.RequesterID,
		&targetID,
		&req.QuickMatch,
		&req.Preference,
		&req.Topic,
		&req.SkillLevel,
		&req.Duration,
		&req.Status,
		&req.CreatedAt,
		&req.ExpiresAt,
		&respondedAt,
		&sessionID,
	)
	if err != nil {
		return nil, err
	}

	req.TargetID = targetID.String
	req.SessionID = sessionID.String
	if respondedAt.Valid {
		req.RespondedAt = &respondedAt.Time
	}
	return &req, nil
}

// UpdateMatchRequestStatus records a transition decided in memory.
// FUNCTIONAL DISCOVERY: target_id is rewritten too because a quick match
// assigns its candidate after creation
func (m *Manager) UpdateMatchRequestStatus(ctx context.Context, req *types.MatchRequest) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			UPDATE match_requests
			SET status = ?, target_id = ?, responded_at = ?, session_id = ?
			WHERE id = ?
		`
		res, err := db.ExecContext(ctx, query,
			req.Status,
			nullableString(req.TargetID),
			nullableTime(req.RespondedAt),
			nullableString(req.SessionID),
			req.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update match request: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("match request %s: %w", req.ID, interfaces.ErrRecordNotFound)
		}
		return nil
	})
}

// Practice sessions

// CreatePracticeSession stores a newly started session.
func (m *Manager) CreatePracticeSession(ctx context.Context, session *types.PracticeSession) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// TECHNICAL DISCOVERY: JSON serialization for participants and feedback
		// keeps the table flat
		participantsJSON, err := json.Marshal(session.Participants)
		if err != nil {
			return fmt.Errorf("failed to marshal participants: %w", err)
		}
		feedbackJSON, err := marshalFeedback(session.Feedback)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO practice_sessions (id, participants, topic, skill_level, duration,
				request_id, status, start_time, end_time, feedback)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			session.ID,
			string(participantsJSON),
			session.Topic,
			session.SkillLevel,
			session.Duration,
			nullableString(session.RequestID),
			session.Status,
			session.StartTime.UTC(),
			nullableTime(session.EndTime),
			feedbackJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert practice session: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit practice session: %w", err)
		}
		return nil
	})
}

// GetPracticeSession loads a single session.
func (m *Manager) GetPracticeSession(ctx context.Context, sessionID string) (*types.PracticeSession, error) {
	row := m.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("practice session %s: %w", sessionID, interfaces.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to query practice session: %w", err)
	}
	return session, nil
}

// UpdatePracticeSession records status, end time and feedback.
func (m *Manager) UpdatePracticeSession(ctx context.Context, session *types.PracticeSession) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		feedbackJSON, err := marshalFeedback(session.Feedback)
		if err != nil {
			return err
		}
		query := `
			UPDATE practice_sessions
			SET status = ?, end_time = ?, feedback = ?
			WHERE id = ?
		`
		res, err := db.ExecContext(ctx, query,
			session.Status,
			nullableTime(session.EndTime),
			feedbackJSON,
			session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update practice session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("practice session %s: %w", session.ID, interfaces.ErrRecordNotFound)
		}
		return nil
	})
}

// ListActivePracticeSessions returns waiting and active sessions, newest first.
func (m *Manager) ListActivePracticeSessions(ctx context.Context) ([]*types.PracticeSession, error) {
	rows, err := m.db.QueryContext(ctx,
		sessionSelect+` WHERE status IN ('waiting', 'active') ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.PracticeSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

const sessionSelect = `
	SELECT id, participants, topic, skill_level, duration, request_id, status,
		start_time, end_time, feedback
	FROM practice_sessions`

func scanSession(s scanner) (*types.PracticeSession, error) {
	var session types.PracticeSession
	var participantsJSON, feedbackJSON string
	var requestID sql.NullString
	var endTime sql.NullTime

	err := s.Scan(
		&session.ID,
		&participantsJSON,
		&session.Topic,
		&session.SkillLevel,
		&session.Duration,
		&requestID,
		&session.Status,
		&session.StartTime,
		&endTime,
		&feedbackJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participantsJSON), &session.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(feedbackJSON), &session.Feedback); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feedback: %w", err)
	}
	if len(session.Feedback) == 0 {
		session.Feedback = nil
	}
	session.RequestID = requestID.String
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	return &session, nil
}

// Session messages

// StoreSessionMessage appends a chat line to the session history.
func (m *Manager) StoreSessionMessage(ctx context.Context, msg *types.SessionMessage) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO session_messages (id, session_id, sender_id, content, sent_at)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			msg.ID,
			msg.SessionID,
			msg.SenderID,
			msg.Content,
			msg.SentAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session message: %w", err)
		}
		return nil
	})
}

// GetSessionMessages returns a session's chat history in send order.
func (m *Manager) GetSessionMessages(ctx context.Context, sessionID string) ([]*types.SessionMessage, error) {
	query := `
		SELECT id, session_id, sender_id, content, sent_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY sent_at ASC
	`
	rows, err := m.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.SessionMessage
	for rows.Next() {
		var msg types.SessionMessage
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.Content, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM practice_sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalFeedback(fb map[string]types.Feedback) (string, error) {
	if fb == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fb)
	if err != nil {
		return "", fmt.Errorf("failed to marshal feedback: %w", err)
	}
	return string(data), nil
}

var _ interfaces.DatabaseManager = (*Manager)(nil)
