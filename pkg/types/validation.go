package types

import (
	"regexp"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidSkillLevel checks the skill enum.
func IsValidSkillLevel(level SkillLevel) bool {
	switch level {
	case SkillBeginner, SkillIntermediate, SkillAdvanced:
		return true
	default:
		return false
	}
}

// IsValidPreference checks the match preference enum.
func IsValidPreference(pref MatchPreference) bool {
	switch pref {
	case PreferenceAny, PreferenceSimilar, PreferenceAdvanced:
		return true
	default:
		return false
	}
}

// IsValidDuration checks a session length in minutes.
func IsValidDuration(minutes int) bool {
	return minutes >= MinDurationMinutes && minutes <= MaxDurationMinutes
}

// IsValidTopic checks a practice topic.
func IsValidTopic(topic string) bool {
	n := utf8.RuneCountInString(topic)
	return n >= 1 && n <= MaxTopicLength
}

// Validate ensures a fully populated request is internally consistent.
// ARCHITECTURAL DISCOVERY: Validation at type level ensures consistency
// across the coordinator, the HTTP mirror and the repository
func (r *MatchRequest) Validate() error {
	if r.ID == "" {
		return ErrInvalidRequestID
	}
	if !IsValidUserID(r.RequesterID) {
		return ErrInvalidUserID
	}
	if r.TargetID != "" {
		if !IsValidUserID(r.TargetID) {
			return ErrInvalidUserID
		}
		if r.TargetID == r.RequesterID {
			return ErrSelfInvite
		}
	}
	if !IsValidTopic(r.Topic) {
		return ErrInvalidTopic
	}
	if !IsValidSkillLevel(r.SkillLevel) {
		return ErrInvalidSkillLevel
	}
	if r.Preference != "" && !IsValidPreference(r.Preference) {
		return ErrInvalidPreference
	}
	if !IsValidDuration(r.Duration) {
		return ErrInvalidDuration
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return ErrInvalidExpiry
	}
	return nil
}

// Validate ensures the session has two distinct, well-formed participants.
func (s *PracticeSession) Validate() error {
	if s.ID == "" {
		return ErrInvalidSessionID
	}
	if len(s.Participants) != 2 || s.Participants[0] == s.Participants[1] {
		return ErrInvalidParticipant
	}
	for _, p := range s.Participants {
		if !IsValidUserID(p) {
			return ErrInvalidUserID
		}
	}
	if !IsValidTopic(s.Topic) {
		return ErrInvalidTopic
	}
	if !IsValidDuration(s.Duration) {
		return ErrInvalidDuration
	}
	return nil
}

// HasRating reports whether a rating was supplied; zero means notes only.
func (f Feedback) HasRating() bool {
	return f.Rating != 0
}

// Validate checks a single feedback entry.
func (f Feedback) Validate() error {
	if f.HasRating() && (f.Rating < MinRating || f.Rating > MaxRating) {
		return ErrInvalidRating
	}
	if utf8.RuneCountInString(f.Notes) > MaxContentRunes {
		return ErrInvalidNotes
	}
	return nil
}
