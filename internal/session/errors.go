package session

import "errors"

// Session management error types
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session has ended")
	ErrNotParticipant      = errors.New("user is not a participant of this session")
	ErrMessageTooLarge     = errors.New("message exceeds maximum size")
	ErrDuplicateForRequest = errors.New("a session already exists for this request")
)

// IsDroppedMessage reports whether a RelayMessage error means the message was
// discarded for its routing, as opposed to being malformed or unsaved.
// Dropped messages are logged, not reported back to the sender.
func IsDroppedMessage(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionEnded) ||
		errors.Is(err, ErrNotParticipant)
}
