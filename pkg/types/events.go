package types

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Client → server event names.
const (
	EventJoin              = "join"
	EventSetAvailability   = "set-availability"
	EventInvite            = "invite"
	EventAcceptInvitation  = "accept-invitation"
	EventDeclineInvitation = "decline-invitation"
	EventCancelInvitation  = "cancel-invitation"
	EventSessionMessage    = "session-message"
	EventEndSession        = "end-session"
)

// Server → client event names.
const (
	EventAvailableUsers          = "available-users"
	EventInvitationSent          = "invitation-sent"
	EventInvitationReceived      = "invitation-received"
	EventInvitationDeclined      = "invitation-declined"
	EventInvitationCancelled     = "invitation-cancelled"
	EventInvitationExpired       = "invitation-expired"
	EventSessionStarted          = "session-started"
	EventSessionEnded            = "session-ended"
	EventSessionMessageReceived  = "session-message-received"
	EventUserAvailabilityChanged = "user-availability-changed"
	EventError                   = "error"
)

// Frame is the wire envelope read from a client connection.
// ARCHITECTURAL DISCOVERY: Payload stays raw until the event name is known so
// each event decodes into its own tagged payload type
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the wire envelope written to a client connection.
type Envelope struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is sent to the originating connection when an action fails.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ClientEvent is a decoded and validated inbound action.
type ClientEvent interface {
	EventType() string
	// ActorID is the user the payload claims to act as; the transport checks
	// it against the authenticated connection.
	ActorID() string
	Validate() error
}

// JoinPayload registers presence and profile fields.
type JoinPayload struct {
	UserID            string          `json:"userId"`
	DisplayName       string          `json:"displayName"`
	SkillLevel        SkillLevel      `json:"skillLevel,omitempty"`
	MatchPreference   MatchPreference `json:"matchPreference,omitempty"`
	PreferredDuration int             `json:"preferredDuration,omitempty"`
}

func (p *JoinPayload) EventType() string { return EventJoin }
func (p *JoinPayload) ActorID() string   { return p.UserID }

func (p *JoinPayload) Validate() error {
	if !IsValidUserID(p.UserID) {
		return ErrInvalidUserID
	}
	if utf8.RuneCountInString(p.DisplayName) > MaxDisplayNameLength {
		return ErrInvalidDisplayName
	}
	if p.SkillLevel != "" && !IsValidSkillLevel(p.SkillLevel) {
		return ErrInvalidSkillLevel
	}
	if p.MatchPreference != "" && !IsValidPreference(p.MatchPreference) {
		return ErrInvalidPreference
	}
	if p.PreferredDuration != 0 && !IsValidDuration(p.PreferredDuration) {
		return ErrInvalidDuration
	}
	return nil
}

// SetAvailabilityPayload toggles a user's availability flag.
// IsAvailable is a pointer so an omitted flag is malformed rather than false.
type SetAvailabilityPayload struct {
	UserID      string `json:"userId"`
	IsAvailable *bool  `json:"isAvailable"`
}

func (p *SetAvailabilityPayload) EventType() string { return EventSetAvailability }
func (p *SetAvailabilityPayload) ActorID() string   { return p.UserID }

func (p *SetAvailabilityPayload) Validate() error {
	if !IsValidUserID(p.UserID) {
		return ErrInvalidUserID
	}
	if p.IsAvailable == nil {
		return fmt.Errorf("%w: isAvailable", ErrMissingField)
	}
	return nil
}

// InvitePayload creates a directed invite, or a quick match when TargetID is empty.
type InvitePayload struct {
	RequesterID string          `json:"requesterId"`
	TargetID    string          `json:"targetId,omitempty"`
	Topic       string          `json:"topic"`
	SkillLevel  SkillLevel      `json:"skillLevel,omitempty"`
	Duration    int             `json:"duration,omitempty"`
	Preference  MatchPreference `json:"preference,omitempty"`
}

func (p *InvitePayload) EventType() string { return EventInvite }
func (p *InvitePayload) ActorID() string   { return p.RequesterID }

func (p *InvitePayload) Validate() error {
	if !IsValidUserID(p.RequesterID) {
		return ErrInvalidUserID
	}
	if p.TargetID != "" {
		if !IsValidUserID(p.TargetID) {
			return ErrInvalidUserID
		}
		if p.TargetID == p.RequesterID {
			return ErrSelfInvite
		}
	}
	if !IsValidTopic(p.Topic) {
		return ErrInvalidTopic
	}
	if p.SkillLevel != "" && !IsValidSkillLevel(p.SkillLevel) {
		return ErrInvalidSkillLevel
	}
	if p.Duration != 0 && !IsValidDuration(p.Duration) {
		return ErrInvalidDuration
	}
	if p.Preference != "" && !IsValidPreference(p.Preference) {
		return ErrInvalidPreference
	}
	return nil
}

// InvitationRef names a request and the user acting on it.
type InvitationRef struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

func (r *InvitationRef) ActorID() string { return r.UserID }

func (r *InvitationRef) Validate() error {
	if r.RequestID == "" {
		return ErrInvalidRequestID
	}
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	return nil
}

// AcceptInvitationPayload accepts a pending request.
type AcceptInvitationPayload struct{ InvitationRef }

func (p *AcceptInvitationPayload) EventType() string { return EventAcceptInvitation }

// DeclineInvitationPayload declines a pending request.
type DeclineInvitationPayload struct{ InvitationRef }

func (p *DeclineInvitationPayload) EventType() string { return EventDeclineInvitation }

// CancelInvitationPayload withdraws the caller's own pending request.
type CancelInvitationPayload struct{ InvitationRef }

func (p *CancelInvitationPayload) EventType() string { return EventCancelInvitation }

// SessionMessagePayload is a chat line for an active session.
type SessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
}

func (p *SessionMessagePayload) EventType() string { return EventSessionMessage }
func (p *SessionMessagePayload) ActorID() string   { return p.SenderID }

func (p *SessionMessagePayload) Validate() error {
	if p.SessionID == "" {
		return ErrInvalidSessionID
	}
	if !IsValidUserID(p.SenderID) {
		return ErrInvalidUserID
	}
	n := utf8.RuneCountInString(p.Content)
	if n < 1 || n > MaxContentRunes {
		return ErrInvalidContent
	}
	return nil
}

// EndSessionPayload ends a session, optionally with per-participant feedback.
type EndSessionPayload struct {
	SessionID string              `json:"sessionId"`
	UserID    string              `json:"userId"`
	Feedback  map[string]Feedback `json:"feedback,omitempty"`
}

func (p *EndSessionPayload) EventType() string { return EventEndSession }
func (p *EndSessionPayload) ActorID() string   { return p.UserID }

func (p *EndSessionPayload) Validate() error {
	if p.SessionID == "" {
		return ErrInvalidSessionID
	}
	if !IsValidUserID(p.UserID) {
		return ErrInvalidUserID
	}
	for userID, fb := range p.Feedback {
		if !IsValidUserID(userID) {
			return ErrInvalidUserID
		}
		if err := fb.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Server payloads.

// InvitationReceivedPayload carries the request and who sent it.
type InvitationReceivedPayload struct {
	Request   *MatchRequest   `json:"request"`
	Requester PresenceSummary `json:"requester"`
}

// InvitationDeclinedPayload tells the requester who declined.
type InvitationDeclinedPayload struct {
	RequestID string `json:"requestId"`
	ByUserID  string `json:"byUserId"`
}

// InvitationClosedPayload is sent on cancellation and expiry.
type InvitationClosedPayload struct {
	RequestID string        `json:"requestId"`
	Status    RequestStatus `json:"status"`
}

// AvailabilityChangedPayload announces a single user's availability flip.
type AvailabilityChangedPayload struct {
	UserID      string `json:"userId"`
	IsAvailable bool   `json:"isAvailable"`
}

// DecodeClientEvent turns a raw frame into its tagged payload and validates it.
// FUNCTIONAL DISCOVERY: Unknown fields are tolerated but missing or invalid
// required fields are reported as ErrMalformedPayload
func DecodeClientEvent(frame Frame) (ClientEvent, error) {
	var event ClientEvent
	switch frame.Type {
	case EventJoin:
		event = &JoinPayload{}
	case EventSetAvailability:
		event = &SetAvailabilityPayload{}
	case EventInvite:
		event = &InvitePayload{}
	case EventAcceptInvitation:
		event = &AcceptInvitationPayload{}
	case EventDeclineInvitation:
		event = &DeclineInvitationPayload{}
	case EventCancelInvitation:
		event = &CancelInvitationPayload{}
	case EventSessionMessage:
		event = &SessionMessagePayload{}
	case EventEndSession:
		event = &EndSessionPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}

	if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s payload is empty", ErrMalformedPayload, frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return event, nil
}
