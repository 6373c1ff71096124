// Package matchmaking brokers practice invitations: directed invites, quick
// matches, their resolution and their expiry.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"practicehub/internal/clock"
	"practicehub/internal/session"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

const (
	DefaultInvitationTTL = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Second
	DefaultRetention     = time.Hour
)

// PresenceSource is the read side of the presence store.
type PresenceSource interface {
	Get(userID string) (*types.UserPresence, bool)
	ListAvailable(excludingUserID string) []types.PresenceSummary
}

// SessionStarter creates the session for an accepted request.
type SessionStarter interface {
	Start(ctx context.Context, params session.StartParams) (*types.PracticeSession, error)
}

// Options tunes request lifetimes.
type Options struct {
	InvitationTTL time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		InvitationTTL: DefaultInvitationTTL,
		SweepInterval: DefaultSweepInterval,
		Retention:     DefaultRetention,
	}
}

// CreateParams describes a new invitation. An empty TargetID asks for a quick match.
type CreateParams struct {
	RequesterID string
	TargetID    string
	Topic       string
	SkillLevel  types.SkillLevel
	Duration    int
	Preference  types.MatchPreference
}

// Coordinator owns the table of match requests.
// ARCHITECTURAL DISCOVERY: One coarse mutex over the whole table makes every
// status transition a single check-then-set; only the winner of a race
// leaves the critical section with work to do
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*types.MatchRequest

	presence PresenceSource
	sessions SessionStarter
	notifier interfaces.Notifier
	repo     interfaces.MatchRequestRepository
	clock    clock.Clock
	opts     Options
	pick     func(n int) int
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. repo may be nil.
func NewCoordinator(presence PresenceSource, sessions SessionStarter, notifier interfaces.Notifier, repo interfaces.MatchRequestRepository, clk clock.Clock, opts Options, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.InvitationTTL <= 0 {
		opts.InvitationTTL = defaults.InvitationTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaults.Retention
	}
	return &Coordinator{
		requests: make(map[string]*types.MatchRequest),
		presence: presence,
		sessions: sessions,
		notifier: notifier,
		repo:     repo,
		clock:    clk,
		opts:     opts,
		pick:     rand.IntN,
		logger:   logger.With("component", "matchmaking"),
	}
}

// SetPicker replaces the uniform random choice used by quick match.
func (c *Coordinator) SetPicker(pick func(n int) int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pick = pick
}

// Create registers a pending request and notifies the requester and target.
// FUNCTIONAL DISCOVERY: A quick match with no compatible candidate is not an
// error; the request stays pending and open until someone becomes available
func (c *Coordinator) Create(ctx context.Context, params CreateParams) (*types.MatchRequest, error) {
	requester, ok := c.presence.Get(params.RequesterID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, params.RequesterID)
	}
	var target *types.UserPresence
	if params.TargetID != "" {
		if target, ok = c.presence.Get(params.TargetID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, params.TargetID)
		}
	}

	now := c.clock.Now().UTC()
	req := &types.MatchRequest{
		ID:          uuid.New().String(),
		RequesterID: params.RequesterID,
		TargetID:    params.TargetID,
		QuickMatch:  params.TargetID == "",
		Topic:       params.Topic,
		SkillLevel:  params.SkillLevel,
		Duration:    params.Duration,
		Status:      types.RequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.opts.InvitationTTL),
	}
	if req.SkillLevel == "" {
		req.SkillLevel = requester.SkillLevel
	}
	if req.Duration == 0 {
		req.Duration = requester.PreferredDuration
		if req.Duration == 0 {
			req.Duration = types.DefaultDurationMinutes
		}
	}
	if req.QuickMatch {
		req.Preference = params.Preference
		if req.Preference == "" {
			req.Preference = requester.MatchPreference
		}
		if req.Preference == "" {
			req.Preference = types.PreferenceAny
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.QuickMatch {
		if candidate, found := c.selectCandidate(req); found {
			req.TargetID = candidate
			target, _ = c.presence.Get(candidate)
		}
	}

	c.mu.Lock()
	c.requests[req.ID] = req
	snapshot := req.Clone()
	c.mu.Unlock()

	c.logger.Info("match request created",
		"request_id", req.ID,
		"user_id", req.RequesterID,
		"target_id", snapshot.TargetID,
		"quick_match", req.QuickMatch)

	var persistErr error
	if c.repo != nil {
		if err := c.repo.CreateMatchRequest(ctx, snapshot); err != nil {
			c.logger.Error("failed to persist match request", "request_id", req.ID, "error", err)
			persistErr = fmt.Errorf("%w: create request %s: %v", interfaces.ErrPersistence, req.ID, err)
		}
	}

	c.notify(snapshot.RequesterID, types.EventInvitationSent, snapshot)
	if snapshot.TargetID != "" && target != nil {
		c.notify(snapshot.TargetID, types.EventInvitationReceived, types.InvitationReceivedPayload{
			Request:   snapshot,
			Requester: requester.Summary(),
		})
	}
	return snapshot, persistErr
}

// Accept resolves a pending request in userID's favour and starts the session.
// Concurrent accepts of the same request produce exactly one session.
func (c *Coordinator) Accept(ctx context.Context, requestID, userID string) (*types.PracticeSession, error) {
	now := c.clock.Now().UTC()

	c.mu.Lock()
	req, err := c.claimLocked(requestID, userID, now)
	if err != nil {
		expired := c.expireIfDueLocked(req, now)
		c.mu.Unlock()
		if expired != nil {
			c.finishExpired(ctx, expired)
		}
		return nil, err
	}
	req.Status = types.RequestAccepted
	req.RespondedAt = &now
	if req.TargetID == "" {
		req.TargetID = userID
	}
	claimed := req.Clone()
	c.mu.Unlock()

	sess, startErr := c.sessions.Start(ctx, session.StartParams{
		Participants: []string{claimed.RequesterID, claimed.TargetID},
		Topic:        claimed.Topic,
		SkillLevel:   claimed.SkillLevel,
		Duration:     claimed.Duration,
		RequestID:    claimed.ID,
	})
	if sess == nil {
		c.logger.Error("failed to start session for accepted request", "request_id", requestID, "error", startErr)
		return nil, startErr
	}

	c.mu.Lock()
	req.SessionID = sess.ID
	snapshot := req.Clone()
	c.mu.Unlock()

	c.logger.Info("match request accepted", "request_id", requestID, "user_id", userID, "session_id", sess.ID)

	persistErr := c.persistStatus(ctx, snapshot)
	for _, participant := range sess.Participants {
		c.notify(participant, types.EventSessionStarted, sess)
	}

	if startErr != nil && !errors.Is(startErr, session.ErrDuplicateForRequest) {
		return sess, startErr
	}
	return sess, persistErr
}

// Decline resolves a pending request as declined. Only the target may decline.
func (c *Coordinator) Decline(ctx context.Context, requestID, userID string) (*types.MatchRequest, error) {
	now := c.clock.Now().UTC()

	c.mu.Lock()
	req, err := c.lookupPendingLocked(requestID, now)
	if err == nil && req.TargetID != userID {
		err = ErrNotInvitationTarget
	}
	if err != nil {
		expired := c.expireIfDueLocked(req, now)
		c.mu.Unlock()
		if expired != nil {
			c.finishExpired(ctx, expired)
		}
		return nil, err
	}
	req.Status = types.RequestDeclined
	req.RespondedAt = &now
	snapshot := req.Clone()
	c.mu.Unlock()

	c.logger.Info("match request declined", "request_id", requestID, "user_id", userID)

	persistErr := c.persistStatus(ctx, snapshot)
	c.notify(snapshot.RequesterID, types.EventInvitationDeclined, types.InvitationDeclinedPayload{
		RequestID: requestID,
		ByUserID:  userID,
	})
	return snapshot, persistErr
}

// Cancel withdraws the requester's own pending request.
func (c *Coordinator) Cancel(ctx context.Context, requestID, requesterID string) (*types.MatchRequest, error) {
	now := c.clock.Now().UTC()

	c.mu.Lock()
	req, err := c.lookupPendingLocked(requestID, now)
	if err == nil && req.RequesterID != requesterID {
		err = ErrNotInvitationTarget
	}
	if err != nil {
		expired := c.expireIfDueLocked(req, now)
		c.mu.Unlock()
		if expired != nil {
			c.finishExpired(ctx, expired)
		}
		return nil, err
	}
	req.Status = types.RequestCancelled
	req.RespondedAt = &now
	snapshot := req.Clone()
	c.mu.Unlock()

	c.logger.Info("match request cancelled", "request_id", requestID, "user_id", requesterID)

	persistErr := c.persistStatus(ctx, snapshot)
	if snapshot.TargetID != "" {
		c.notify(snapshot.TargetID, types.EventInvitationCancelled, types.InvitationClosedPayload{
			RequestID: requestID,
			Status:    types.RequestCancelled,
		})
	}
	return snapshot, persistErr
}

// Get returns a request from memory or, once purged, from the repository.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*types.MatchRequest, error) {
	c.mu.Lock()
	req, exists := c.requests[requestID]
	if exists {
		snapshot := req.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	if c.repo == nil {
		return nil, ErrRequestNotFound
	}
	stored, err := c.repo.GetMatchRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("%w: load request %s: %v", interfaces.ErrPersistence, requestID, err)
	}
	return stored, nil
}

// Pending returns pending requests where userID is requester or target, oldest first.
func (c *Coordinator) Pending(userID string) []*types.MatchRequest {
	c.mu.Lock()
	var out []*types.MatchRequest
	for _, req := range c.requests {
		if req.Status != types.RequestPending {
			continue
		}
		if req.RequesterID == userID || req.TargetID == userID {
			out = append(out, req.Clone())
		}
	}
	c.mu.Unlock()
	sortOldestFirst(out)
	return out
}

// LoadPending restores pending requests from the repository after a restart.
// Requests already past their deadline are left for the next sweep.
func (c *Coordinator) LoadPending(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	stored, err := c.repo.ListPendingMatchRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending requests: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range stored {
		if _, exists := c.requests[req.ID]; !exists {
			c.requests[req.ID] = req
		}
	}
	c.logger.Info("loaded pending match requests", "count", len(stored))
	return nil
}

// UserOnline re-delivers every unexpired invitation waiting for userID.
// FUNCTIONAL DISCOVERY: An invitation sent while its target had no connection
// is otherwise lost, since delivery to an offline user is a silent drop
func (c *Coordinator) UserOnline(userID string) {
	now := c.clock.Now().UTC()
	for _, req := range c.Pending(userID) {
		if req.TargetID != userID || !now.Before(req.ExpiresAt) {
			continue
		}
		c.notify(userID, types.EventInvitationReceived, types.InvitationReceivedPayload{
			Request:   req,
			Requester: c.requesterSummary(req.RequesterID),
		})
		c.logger.Debug("invitation redelivered", "request_id", req.ID, "target_id", userID)
	}
}

// UserOffline is a no-op: pending requests outlive their target's connection
// and expire on their own schedule.
func (c *Coordinator) UserOffline(string) {}

// UserAvailable assigns the oldest compatible open request to userID.
// FUNCTIONAL DISCOVERY: The assignment happens under the coordinator lock so
// an open request is handed to at most one newly available user
func (c *Coordinator) UserAvailable(ctx context.Context, userID string) {
	candidate, ok := c.presence.Get(userID)
	if !ok || !candidate.IsAvailable {
		return
	}
	now := c.clock.Now().UTC()

	c.mu.Lock()
	var open []*types.MatchRequest
	for _, req := range c.requests {
		if req.IsOpen() && req.RequesterID != userID && req.ExpiresAt.After(now) {
			open = append(open, req)
		}
	}
	sortOldestFirst(open)
	var assigned *types.MatchRequest
	for _, req := range open {
		if compatible(req, candidate.SkillLevel) {
			req.TargetID = userID
			assigned = req.Clone()
			break
		}
	}
	c.mu.Unlock()

	if assigned == nil {
		return
	}
	c.logger.Info("open match request assigned", "request_id", assigned.ID, "target_id", userID)

	if err := c.persistStatus(ctx, assigned); err != nil {
		c.logger.Warn("assignment not persisted", "request_id", assigned.ID, "error", err)
	}
	c.notify(userID, types.EventInvitationReceived, types.InvitationReceivedPayload{
		Request:   assigned,
		Requester: c.requesterSummary(assigned.RequesterID),
	})
	c.notify(assigned.RequesterID, types.EventInvitationSent, assigned)
}

// GetStats returns request table statistics
func (c *Coordinator) GetStats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, open := 0, 0
	for _, req := range c.requests {
		if req.Status == types.RequestPending {
			pending++
			if req.TargetID == "" {
				open++
			}
		}
	}
	return map[string]int{
		"tracked_requests": len(c.requests),
		"pending_requests": pending,
		"open_requests":    open,
	}
}

// claimLocked checks that userID may accept requestID right now.
func (c *Coordinator) claimLocked(requestID, userID string, now time.Time) (*types.MatchRequest, error) {
	req, err := c.lookupPendingLocked(requestID, now)
	if err != nil {
		return req, err
	}
	switch {
	case req.TargetID == userID:
		return req, nil
	case req.TargetID == "" && req.RequesterID != userID:
		return req, nil
	default:
		return req, ErrNotInvitationTarget
	}
}

// lookupPendingLocked returns the request when it is still pending and unexpired.
// An expired-but-unswept request is returned with ErrAlreadyResolved so the
// caller can expire it.
func (c *Coordinator) lookupPendingLocked(requestID string, now time.Time) (*types.MatchRequest, error) {
	req, exists := c.requests[requestID]
	if !exists {
		return nil, ErrRequestNotFound
	}
	if req.Status.IsTerminal() {
		return req, fmt.Errorf("%w: request is %s", ErrAlreadyResolved, req.Status)
	}
	if !now.Before(req.ExpiresAt) {
		return req, fmt.Errorf("%w: request expired", ErrAlreadyResolved)
	}
	return req, nil
}

// expireIfDueLocked moves a pending request past its expiry to expired.
func (c *Coordinator) expireIfDueLocked(req *types.MatchRequest, now time.Time) *types.MatchRequest {
	if req == nil || req.Status != types.RequestPending || now.Before(req.ExpiresAt) {
		return nil
	}
	req.Status = types.RequestExpired
	return req.Clone()
}

func (c *Coordinator) finishExpired(ctx context.Context, req *types.MatchRequest) {
	c.logger.Info("match request expired", "request_id", req.ID, "user_id", req.RequesterID)
	if err := c.persistStatus(ctx, req); err != nil {
		c.logger.Warn("expiry not persisted", "request_id", req.ID, "error", err)
	}
	payload := types.InvitationClosedPayload{RequestID: req.ID, Status: types.RequestExpired}
	c.notify(req.RequesterID, types.EventInvitationExpired, payload)
	if req.TargetID != "" {
		c.notify(req.TargetID, types.EventInvitationExpired, payload)
	}
}

// selectCandidate picks a compatible available user uniformly at random.
func (c *Coordinator) selectCandidate(req *types.MatchRequest) (string, bool) {
	var pool []string
	for _, s := range c.presence.ListAvailable(req.RequesterID) {
		if compatible(req, s.SkillLevel) {
			pool = append(pool, s.UserID)
		}
	}
	if len(pool) == 0 {
		return "", false
	}
	c.mu.Lock()
	pick := c.pick
	c.mu.Unlock()
	return pool[pick(len(pool))], true
}

// compatible applies the request's preference to a candidate's skill level.
func compatible(req *types.MatchRequest, skill types.SkillLevel) bool {
	switch req.Preference {
	case types.PreferenceSimilar:
		return skill == req.SkillLevel
	case types.PreferenceAdvanced:
		return skill == types.SkillAdvanced
	default:
		return true
	}
}

func (c *Coordinator) persistStatus(ctx context.Context, req *types.MatchRequest) error {
	if c.repo == nil {
		return nil
	}
	if err := c.repo.UpdateMatchRequestStatus(ctx, req); err != nil {
		c.logger.Error("failed to persist match request", "request_id", req.ID, "status", req.Status, "error", err)
		return fmt.Errorf("%w: update request %s: %v", interfaces.ErrPersistence, req.ID, err)
	}
	return nil
}

func (c *Coordinator) requesterSummary(userID string) types.PresenceSummary {
	if requester, ok := c.presence.Get(userID); ok {
		return requester.Summary()
	}
	return types.PresenceSummary{UserID: userID, DisplayName: userID}
}

func (c *Coordinator) notify(userID, event string, payload any) {
	if c.notifier != nil {
		c.notifier.ToUser(userID, event, payload)
	}
}

func sortOldestFirst(reqs []*types.MatchRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}
