// Package presence owns every user's availability, matching preferences and
// practice statistics.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"practicehub/internal/clock"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

// ConnectionChecker answers whether a user currently holds a live connection.
type ConnectionChecker interface {
	HasConnections(userID string) bool
}

// AvailabilityObserver is told when a user flips to available.
type AvailabilityObserver interface {
	UserAvailable(ctx context.Context, userID string)
}

// Mirror publishes presence to an external store for other readers.
type Mirror interface {
	Online(ctx context.Context, p *types.UserPresence) error
	Offline(ctx context.Context, userID string) error
}

// Profile is the set of fields a user controls through join.
type Profile struct {
	UserID            string
	DisplayName       string
	SkillLevel        types.SkillLevel
	MatchPreference   types.MatchPreference
	PreferredDuration int
}

// Store is the single owner of UserPresence records.
// ARCHITECTURAL DISCOVERY: Broadcasts are built from a snapshot and sent after
// the lock is released so a slow connection never stalls presence updates
type Store struct {
	mu        sync.RWMutex
	users     map[string]*types.UserPresence
	conns     ConnectionChecker
	notifier  interfaces.Notifier
	repo      interfaces.UserRepository
	mirror    Mirror
	observers []AvailabilityObserver
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStore creates a presence store. repo may be nil for a memory-only store.
func NewStore(conns ConnectionChecker, notifier interfaces.Notifier, repo interfaces.UserRepository, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		users:    make(map[string]*types.UserPresence),
		conns:    conns,
		notifier: notifier,
		repo:     repo,
		clock:    clk,
		logger:   logger.With("component", "presence"),
	}
}

// SetMirror attaches an external presence mirror.
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// AddObserver subscribes o to availability-true transitions.
func (s *Store) AddObserver(o AvailabilityObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Load warms the store with persisted profiles. Everyone starts offline.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if _, exists := s.users[u.UserID]; exists {
			continue
		}
		u.IsOnline = false
		u.IsAvailable = false
		s.users[u.UserID] = u
	}
	s.logger.Info("loaded user profiles", "count", len(users))
	return nil
}

// UserOnline handles a registry offline -> online transition.
func (s *Store) UserOnline(userID string) {
	ctx := context.Background()

	s.mu.Lock()
	p, created := s.getOrCreateLocked(userID)
	online := s.isConnected(userID)
	p.IsOnline = online
	if online {
		p.LastActive = s.clock.Now()
	}
	snapshot := p.Clone()
	mirror := s.mirror
	s.mu.Unlock()

	// TECHNICAL DISCOVERY: A disconnect may already have won the race; the
	// registry is the source of truth so a stale online event is ignored
	if !online {
		return
	}
	if created {
		s.save(ctx, snapshot)
	}
	if mirror != nil {
		if err := mirror.Online(ctx, snapshot); err != nil {
			s.logger.Warn("presence mirror update failed", "user_id", userID, "error", err)
		}
	}
	s.notify(userID, types.EventAvailableUsers, s.ListAvailable(userID))
	s.logger.Info("user online", "user_id", userID)
}

// UserOffline handles a registry online -> offline transition.
// FUNCTIONAL DISCOVERY: Going offline always clears availability so nobody
// can be invited while unreachable
func (s *Store) UserOffline(userID string) {
	ctx := context.Background()

	s.mu.Lock()
	p, exists := s.users[userID]
	if !exists || s.isConnected(userID) {
		s.mu.Unlock()
		return
	}
	wasAvailable := p.IsAvailable
	p.IsOnline = false
	p.IsAvailable = false
	mirror := s.mirror
	s.mu.Unlock()

	if mirror != nil {
		if err := mirror.Offline(ctx, userID); err != nil {
			s.logger.Warn("presence mirror removal failed", "user_id", userID, "error", err)
		}
	}
	if wasAvailable && s.notifier != nil {
		// Nothing of the departed user's is left to exclude.
		s.notifier.ToAll(types.EventUserAvailabilityChanged, types.AvailabilityChangedPayload{
			UserID:      userID,
			IsAvailable: false,
		})
		s.broadcastLists(userID)
	}
	s.logger.Info("user offline", "user_id", userID, "was_available", wasAvailable)
}

// Join upserts profile fields and returns who is available, excluding the caller.
func (s *Store) Join(ctx context.Context, profile Profile) ([]types.PresenceSummary, error) {
	join := types.JoinPayload{
		UserID:            profile.UserID,
		DisplayName:       profile.DisplayName,
		SkillLevel:        profile.SkillLevel,
		MatchPreference:   profile.MatchPreference,
		PreferredDuration: profile.PreferredDuration,
	}
	if err := join.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, _ := s.getOrCreateLocked(profile.UserID)
	if profile.DisplayName != "" {
		p.DisplayName = profile.DisplayName
	}
	if profile.SkillLevel != "" {
		p.SkillLevel = profile.SkillLevel
	}
	if profile.MatchPreference != "" {
		p.MatchPreference = profile.MatchPreference
	}
	if profile.PreferredDuration != 0 {
		p.PreferredDuration = profile.PreferredDuration
	}
	p.IsOnline = s.isConnected(profile.UserID)
	p.LastActive = s.clock.Now()
	snapshot := p.Clone()
	s.mu.Unlock()

	s.save(ctx, snapshot)
	if snapshot.IsAvailable {
		s.broadcastLists(profile.UserID)
	}
	return s.ListAvailable(profile.UserID), nil
}

// SetAvailability updates the flag and last-active time, then tells every
// other online user.
func (s *Store) SetAvailability(ctx context.Context, userID string, available bool) error {
	return s.setAvailability(ctx, userID, available, false)
}

// SetConnectedAvailability is SetAvailability for a request that arrived on a
// socket. Turning availability on is refused once the user's last connection
// has gone, so a frame applied after the disconnect cannot revive them.
func (s *Store) SetConnectedAvailability(ctx context.Context, userID string, available bool) error {
	return s.setAvailability(ctx, userID, available, true)
}

func (s *Store) setAvailability(ctx context.Context, userID string, available, requireConnection bool) error {
	s.mu.Lock()
	p, exists := s.users[userID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	// TECHNICAL DISCOVERY: Checked under the store lock; UserOffline takes the
	// same lock after the registry drops the connection, so one of the two
	// always observes the other
	if available && requireConnection && !s.isConnected(userID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUserOffline, userID)
	}
	p.IsAvailable = available
	p.LastActive = s.clock.Now()
	snapshot := p.Clone()
	mirror := s.mirror
	observers := append([]AvailabilityObserver(nil), s.observers...)
	s.mu.Unlock()

	s.logger.Info("availability changed", "user_id", userID, "is_available", available)

	if mirror != nil && snapshot.IsOnline {
		if err := mirror.Online(ctx, snapshot); err != nil {
			s.logger.Warn("presence mirror update failed", "user_id", userID, "error", err)
		}
	}
	s.broadcastAvailability(userID, available)

	if available {
		for _, o := range observers {
			o.UserAvailable(ctx, userID)
		}
	}
	return nil
}

// ListAvailable returns available users other than excludingUserID, most
// recently active first with ties broken by user ID.
func (s *Store) ListAvailable(excludingUserID string) []types.PresenceSummary {
	s.mu.RLock()
	out := make([]types.PresenceSummary, 0, len(s.users))
	for id, p := range s.users {
		if id == excludingUserID || !p.IsAvailable {
			continue
		}
		out = append(out, p.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].LastActive.After(out[j].LastActive)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Get returns a copy of the user's record.
func (s *Store) Get(userID string) (*types.UserPresence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.users[userID]
	if !exists {
		return nil, false
	}
	return p.Clone(), true
}

// OnlineUsers returns the IDs of users marked online, sorted.
func (s *Store) OnlineUsers() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.users))
	for id, p := range s.users {
		if p.IsOnline {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RecordPractice folds one rated session into the user's statistics.
// FUNCTIONAL DISCOVERY: Streaks count UTC calendar days; a second session on
// the same day keeps the streak, skipping a day resets it to one
func (s *Store) RecordPractice(ctx context.Context, userID string, rating int, at time.Time) error {
	if rating < types.MinRating || rating > types.MaxRating {
		return types.ErrInvalidRating
	}

	s.mu.Lock()
	p, exists := s.users[userID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	oldCount := p.SessionsCompleted
	p.SessionsCompleted = oldCount + 1
	p.AverageRating = (p.AverageRating*float64(oldCount) + float64(rating)) / float64(p.SessionsCompleted)
	p.CurrentStreak = nextStreak(p.CurrentStreak, p.LastPracticeAt, at)
	practicedAt := at.UTC()
	p.LastPracticeAt = &practicedAt
	snapshot := p.Clone()
	s.mu.Unlock()

	s.logger.Info("practice recorded",
		"user_id", userID,
		"rating", rating,
		"sessions_completed", snapshot.SessionsCompleted,
		"streak", snapshot.CurrentStreak)

	if s.repo != nil {
		if err := s.repo.SaveUser(ctx, snapshot); err != nil {
			return fmt.Errorf("%w: save stats for %s: %v", interfaces.ErrPersistence, userID, err)
		}
	}
	return nil
}

// GetStats returns store statistics for the health endpoint.
func (s *Store) GetStats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	online, available := 0, 0
	for _, p := range s.users {
		if p.IsOnline {
			online++
		}
		if p.IsAvailable {
			available++
		}
	}
	return map[string]int{
		"known_users":     len(s.users),
		"online_users":    online,
		"available_users": available,
	}
}

// RefreshMirror re-publishes every online user so mirror TTLs do not lapse.
func (s *Store) RefreshMirror(ctx context.Context) {
	s.mu.RLock()
	mirror := s.mirror
	var online []*types.UserPresence
	for _, p := range s.users {
		if p.IsOnline {
			online = append(online, p.Clone())
		}
	}
	s.mu.RUnlock()

	if mirror == nil {
		return
	}
	for _, p := range online {
		if err := mirror.Online(ctx, p); err != nil {
			s.logger.Warn("presence mirror refresh failed", "user_id", p.UserID, "error", err)
		}
	}
}

// RunMirrorRefresh calls RefreshMirror every interval until ctx is done.
func (s *Store) RunMirrorRefresh(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.RefreshMirror(ctx)
		}
	}
}

func (s *Store) getOrCreateLocked(userID string) (*types.UserPresence, bool) {
	if p, exists := s.users[userID]; exists {
		return p, false
	}
	p := &types.UserPresence{
		UserID:            userID,
		DisplayName:       userID,
		LastActive:        s.clock.Now(),
		SkillLevel:        types.SkillBeginner,
		MatchPreference:   types.PreferenceAny,
		PreferredDuration: types.DefaultDurationMinutes,
	}
	s.users[userID] = p
	return p, true
}

func (s *Store) isConnected(userID string) bool {
	if s.conns == nil {
		return true
	}
	return s.conns.HasConnections(userID)
}

// broadcastAvailability announces userID's flag to everyone else and sends
// each other online user their own list.
func (s *Store) broadcastAvailability(userID string, available bool) {
	if s.notifier == nil {
		return
	}
	s.notifier.ToAllExcept(userID, types.EventUserAvailabilityChanged, types.AvailabilityChangedPayload{
		UserID:      userID,
		IsAvailable: available,
	})
	s.broadcastLists(userID)
}

func (s *Store) broadcastLists(changedUserID string) {
	if s.notifier == nil {
		return
	}
	for _, other := range s.OnlineUsers() {
		if other == changedUserID {
			continue
		}
		s.notifier.ToUser(other, types.EventAvailableUsers, s.ListAvailable(other))
	}
}

func (s *Store) notify(userID, event string, payload any) {
	if s.notifier != nil {
		s.notifier.ToUser(userID, event, payload)
	}
}

func (s *Store) save(ctx context.Context, p *types.UserPresence) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveUser(ctx, p); err != nil {
		s.logger.Error("failed to persist user", "user_id", p.UserID, "error", err)
	}
}

func nextStreak(current int, last *time.Time, at time.Time) int {
	if last == nil {
		return 1
	}
	lastDay := truncateDay(*last)
	today := truncateDay(at)
	switch {
	case today.Equal(lastDay):
		if current < 1 {
			return 1
		}
		return current
	case today.Equal(lastDay.AddDate(0, 0, 1)):
		return current + 1
	default:
		return 1
	}
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
