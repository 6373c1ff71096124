package interfaces

import (
	"context"

	"practicehub/pkg/types"
)

// UserRepository persists presence profiles and practice statistics.
// Online and availability flags are runtime-only and are not stored.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*types.UserPresence, error)
	SaveUser(ctx context.Context, user *types.UserPresence) error
	ListUsers(ctx context.Context) ([]*types.UserPresence, error)
}

// MatchRequestRepository persists invitation records.
// ARCHITECTURAL DISCOVERY: The repository only records outcomes; the
// coordinator's in-memory table decides every status transition
type MatchRequestRepository interface {
	CreateMatchRequest(ctx context.Context, req *types.MatchRequest) error
	GetMatchRequest(ctx context.Context, requestID string) (*types.MatchRequest, error)
	UpdateMatchRequestStatus(ctx context.Context, req *types.MatchRequest) error
	// ListPendingMatchRequests returns pending requests for warm start.
	ListPendingMatchRequests(ctx context.Context) ([]*types.MatchRequest, error)
}

// SessionRepository persists practice sessions.
type SessionRepository interface {
	CreatePracticeSession(ctx context.Context, session *types.PracticeSession) error
	GetPracticeSession(ctx context.Context, sessionID string) (*types.PracticeSession, error)
	UpdatePracticeSession(ctx context.Context, session *types.PracticeSession) error
	// ListActivePracticeSessions returns non-terminal sessions for warm start.
	ListActivePracticeSessions(ctx context.Context) ([]*types.PracticeSession, error)
}

// MessageRepository keeps the in-session chat history.
type MessageRepository interface {
	StoreSessionMessage(ctx context.Context, msg *types.SessionMessage) error
	// GetSessionMessages returns messages ordered by send time.
	GetSessionMessages(ctx context.Context, sessionID string) ([]*types.SessionMessage, error)
}

// DatabaseManager handles all database operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent write serialization and connection management
type DatabaseManager interface {
	UserRepository
	MatchRequestRepository
	SessionRepository
	MessageRepository

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
