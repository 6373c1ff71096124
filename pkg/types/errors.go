package types

import "errors"

// ARCHITECTURAL DISCOVERY: Every validation failure maps to one sentinel so the
// transport boundary can report a "malformed payload" without string matching
var (
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnknownEvent       = errors.New("unknown event type")
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidSkillLevel  = errors.New("skill level must be beginner, intermediate or advanced")
	ErrInvalidPreference  = errors.New("match preference must be any, similar or advanced")
	ErrInvalidTopic       = errors.New("topic must be 1-200 characters")
	ErrInvalidDuration    = errors.New("duration must be between 5 and 120 minutes")
	ErrInvalidDisplayName = errors.New("display name must be at most 100 characters")
	ErrInvalidExpiry      = errors.New("expiry must be after creation time")
	ErrInvalidRequestID   = errors.New("request ID is required")
	ErrInvalidSessionID   = errors.New("session ID is required")
	ErrInvalidContent     = errors.New("message content must be 1-2000 characters")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
	ErrInvalidNotes       = errors.New("feedback notes must be at most 2000 characters")
	ErrInvalidParticipant = errors.New("a practice session needs exactly two distinct participants")
	ErrMissingField       = errors.New("required field missing")
	ErrSelfInvite         = errors.New("cannot invite yourself")
)
