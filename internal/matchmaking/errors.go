package matchmaking

import "errors"

// Coordinator error types
var (
	ErrRequestNotFound     = errors.New("match request not found")
	ErrAlreadyResolved     = errors.New("match request already resolved")
	ErrNotInvitationTarget = errors.New("user may not act on this match request")
	ErrUserNotFound        = errors.New("user not found")
)
