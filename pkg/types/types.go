package types

import (
	"time"
)

// SkillLevel is a user's self-declared selling experience.
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
)

// MatchPreference controls which strangers a quick match may pick.
type MatchPreference string

const (
	PreferenceAny      MatchPreference = "any"
	PreferenceSimilar  MatchPreference = "similar"
	PreferenceAdvanced MatchPreference = "advanced"
)

// RequestStatus is the lifecycle state of a MatchRequest.
// FUNCTIONAL DISCOVERY: pending is the only non-terminal state, so every
// transition is a single "still pending?" check followed by the write
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestDeclined  RequestStatus = "declined"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s RequestStatus) IsTerminal() bool {
	return s != RequestPending
}

// SessionStatus is the lifecycle state of a PracticeSession.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the session has already ended.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

const (
	DefaultDurationMinutes = 15
	MinDurationMinutes     = 5
	MaxDurationMinutes     = 120
	MaxTopicLength         = 200
	MaxDisplayNameLength   = 100
	MaxContentRunes        = 2000
	MinRating              = 1
	MaxRating              = 5
)

// UserPresence is everything the coordinator knows about one user.
// ARCHITECTURAL DISCOVERY: Presence records are never deleted, only marked
// offline, so stats survive reconnects without touching the repository
type UserPresence struct {
	UserID            string          `json:"userId" db:"id"`
	DisplayName       string          `json:"displayName" db:"display_name"`
	IsAvailable       bool            `json:"isAvailable" db:"-"`
	IsOnline          bool            `json:"isOnline" db:"-"`
	LastActive        time.Time       `json:"lastActive" db:"last_active"`
	SkillLevel        SkillLevel      `json:"skillLevel" db:"skill_level"`
	MatchPreference   MatchPreference `json:"matchPreference" db:"match_preference"`
	PreferredDuration int             `json:"preferredDuration" db:"preferred_duration"`
	SessionsCompleted int             `json:"sessionsCompleted" db:"sessions_completed"`
	AverageRating     float64         `json:"averageRating" db:"average_rating"`
	CurrentStreak     int             `json:"currentStreak" db:"current_streak"`
	LastPracticeAt    *time.Time      `json:"lastPracticeAt,omitempty" db:"last_practice_at"`
}

// Clone returns a copy safe to hand out of a lock.
func (p *UserPresence) Clone() *UserPresence {
	c := *p
	if p.LastPracticeAt != nil {
		t := *p.LastPracticeAt
		c.LastPracticeAt = &t
	}
	return &c
}

// Summary returns the public view broadcast in available-users lists.
func (p *UserPresence) Summary() PresenceSummary {
	return PresenceSummary{
		UserID:            p.UserID,
		DisplayName:       p.DisplayName,
		IsAvailable:       p.IsAvailable,
		LastActive:        p.LastActive,
		SkillLevel:        p.SkillLevel,
		MatchPreference:   p.MatchPreference,
		PreferredDuration: p.PreferredDuration,
		SessionsCompleted: p.SessionsCompleted,
		AverageRating:     p.AverageRating,
	}
}

// PresenceSummary is a UserPresence without its private bookkeeping.
type PresenceSummary struct {
	UserID            string          `json:"userId"`
	DisplayName       string          `json:"displayName"`
	IsAvailable       bool            `json:"isAvailable"`
	LastActive        time.Time       `json:"lastActive"`
	SkillLevel        SkillLevel      `json:"skillLevel"`
	MatchPreference   MatchPreference `json:"matchPreference"`
	PreferredDuration int             `json:"preferredDuration"`
	SessionsCompleted int             `json:"sessionsCompleted"`
	AverageRating     float64         `json:"averageRating"`
}

// MatchRequest is a practice invitation, either directed or a quick match.
// An empty TargetID on a pending request means the request is still open.
type MatchRequest struct {
	ID          string          `json:"id" db:"id"`
	RequesterID string          `json:"requesterId" db:"requester_id"`
	TargetID    string          `json:"targetId,omitempty" db:"target_id"`
	QuickMatch  bool            `json:"quickMatch" db:"quick_match"`
	Preference  MatchPreference `json:"preference,omitempty" db:"preference"`
	Topic       string          `json:"topic" db:"topic"`
	SkillLevel  SkillLevel      `json:"skillLevel" db:"skill_level"`
	Duration    int             `json:"duration" db:"duration"`
	Status      RequestStatus   `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	ExpiresAt   time.Time       `json:"expiresAt" db:"expires_at"`
	RespondedAt *time.Time      `json:"respondedAt,omitempty" db:"responded_at"`
	SessionID   string          `json:"sessionId,omitempty" db:"session_id"`
}

// IsOpen reports whether the request is pending and nobody has been picked yet.
func (r *MatchRequest) IsOpen() bool {
	return r.Status == RequestPending && r.TargetID == ""
}

// Clone returns a copy safe to hand out of a lock.
func (r *MatchRequest) Clone() *MatchRequest {
	c := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

// Feedback is one participant's rating and notes for a finished session.
type Feedback struct {
	Rating int    `json:"rating"`
	Notes  string `json:"notes,omitempty"`
}

// PracticeSession is a timed practice run between exactly two users.
type PracticeSession struct {
	ID           string              `json:"id" db:"id"`
	Participants []string            `json:"participants" db:"participants"`
	Topic        string              `json:"topic" db:"topic"`
	SkillLevel   SkillLevel          `json:"skillLevel" db:"skill_level"`
	Duration     int                 `json:"duration" db:"duration"`
	RequestID    string              `json:"requestId,omitempty" db:"request_id"`
	Status       SessionStatus       `json:"status" db:"status"`
	StartTime    time.Time           `json:"startTime" db:"start_time"`
	EndTime      *time.Time          `json:"endTime,omitempty" db:"end_time"`
	Feedback     map[string]Feedback `json:"feedback,omitempty" db:"feedback"`
}

// HasParticipant reports whether userID takes part in the session.
func (s *PracticeSession) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *PracticeSession) Clone() *PracticeSession {
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Feedback != nil {
		c.Feedback = make(map[string]Feedback, len(s.Feedback))
		for k, v := range s.Feedback {
			c.Feedback[k] = v
		}
	}
	return &c
}

// SessionMessage is a chat line relayed between session participants.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}
