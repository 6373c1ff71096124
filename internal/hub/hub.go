// Package hub serialises inbound client events and dispatches them to the
// presence store, the matchmaking coordinator and the session manager.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"practicehub/internal/clock"
	"practicehub/internal/matchmaking"
	"practicehub/internal/presence"
	"practicehub/internal/session"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

// Presence is the part of the presence store driven by client events.
type Presence interface {
	Join(ctx context.Context, profile presence.Profile) ([]types.PresenceSummary, error)
	// SetConnectedAvailability refuses to turn availability on for a user
	// whose connections are all gone by the time the frame is applied.
	SetConnectedAvailability(ctx context.Context, userID string, available bool) error
}

// Matchmaker resolves invitations.
type Matchmaker interface {
	Create(ctx context.Context, params matchmaking.CreateParams) (*types.MatchRequest, error)
	Accept(ctx context.Context, requestID, userID string) (*types.PracticeSession, error)
	Decline(ctx context.Context, requestID, userID string) (*types.MatchRequest, error)
	Cancel(ctx context.Context, requestID, requesterID string) (*types.MatchRequest, error)
}

// Sessions runs practice sessions.
type Sessions interface {
	End(ctx context.Context, sessionID, endedBy string, feedback map[string]types.Feedback) (*types.PracticeSession, error)
	RelayMessage(ctx context.Context, sessionID, senderID, content string) (*types.SessionMessage, error)
}

// Replier answers a single connection.
type Replier interface {
	Reply(conn interfaces.Connection, requestID, event string, payload any) error
}

// Options tunes the hub.
type Options struct {
	InboundBuffer int
	RateLimit     int
	RateWindow    time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		InboundBuffer: 1000,
		RateLimit:     DefaultRateLimit,
		RateWindow:    DefaultRateWindow,
	}
}

// Inbound wraps a frame with the connection it arrived on
// FUNCTIONAL DISCOVERY: The connection carries the authenticated identity,
// so attribution never depends on what the payload claims
type Inbound struct {
	Conn     interfaces.Connection
	Frame    types.Frame
	Received time.Time
}

// Hub coordinates inbound event processing
// ARCHITECTURAL DISCOVERY: Central coordination point for all client actions;
// a single goroutine applies them in arrival order
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs bursts without blocking read pumps
	inbound         chan *Inbound
	shutdownChannel chan struct{}
	done            chan struct{}

	presence    Presence
	matchmaker  Matchmaker
	sessions    Sessions
	replier     Replier
	rateLimiter *RateLimiter
	clock       clock.Clock
	logger      *slog.Logger

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(p Presence, m Matchmaker, s Sessions, replier Replier, clk clock.Clock, opts Options, logger *slog.Logger) *Hub {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultOptions().InboundBuffer
	}
	return &Hub{
		inbound:         make(chan *Inbound, opts.InboundBuffer),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		presence:        p,
		matchmaker:      m,
		sessions:        s,
		replier:         replier,
		rateLimiter:     NewRateLimiter(opts.RateLimit, opts.RateWindow, clk),
		clock:           clk,
		logger:          logger.With("component", "hub"),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop gracefully shuts down the hub and waits for the loop to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	// TECHNICAL DISCOVERY: Safe channel close using select to prevent panic
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	h.logger.Info("stopping event hub")
	<-h.done
	return nil
}

// Dispatch queues a frame for processing. It never blocks the read pump.
func (h *Hub) Dispatch(conn interfaces.Connection, frame types.Frame) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	in := &Inbound{Conn: conn, Frame: frame, Received: h.clock.Now()}
	select {
	case h.inbound <- in:
		return nil
	default:
		return ErrInboundChannelFull
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.logger.Info("event hub stopped")

	cleanup := h.clock.NewTicker(h.rateLimiter.window)
	defer cleanup.Stop()

	for {
		select {
		case in := <-h.inbound:
			h.Handle(ctx, in)
		case <-cleanup.C():
			h.rateLimiter.Cleanup()
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// Handle applies one inbound frame and reports failures to its connection only.
func (h *Hub) Handle(ctx context.Context, in *Inbound) {
	userID := in.Conn.GetUserID()
	logger := h.logger.With("user_id", userID, "conn_id", in.Conn.GetID(), "event", in.Frame.Type)

	if err := h.apply(ctx, in); err != nil {
		code, retryable := Classify(err)
		logger.Warn("event failed", "code", code, "error", err)
		_ = h.replier.Reply(in.Conn, in.Frame.RequestID, types.EventError, types.ErrorPayload{
			Code:      code,
			Message:   err.Error(),
			Retryable: retryable,
		})
		return
	}
	logger.Debug("event handled")
}

func (h *Hub) apply(ctx context.Context, in *Inbound) error {
	userID := in.Conn.GetUserID()
	if !h.rateLimiter.Allow(userID) {
		return ErrRateLimitExceeded
	}

	event, err := types.DecodeClientEvent(in.Frame)
	if err != nil {
		return err
	}
	if event.ActorID() != userID {
		return ErrActorMismatch
	}

	reply := func(name string, payload any) {
		_ = h.replier.Reply(in.Conn, in.Frame.RequestID, name, payload)
	}

	switch e := event.(type) {
	case *types.JoinPayload:
		list, err := h.presence.Join(ctx, presence.Profile{
			UserID:            e.UserID,
			DisplayName:       e.DisplayName,
			SkillLevel:        e.SkillLevel,
			MatchPreference:   e.MatchPreference,
			PreferredDuration: e.PreferredDuration,
		})
		if err != nil {
			return err
		}
		reply(types.EventAvailableUsers, list)
		return nil

	case *types.SetAvailabilityPayload:
		if err := h.presence.SetConnectedAvailability(ctx, e.UserID, *e.IsAvailable); err != nil {
			return err
		}
		reply(types.EventUserAvailabilityChanged, types.AvailabilityChangedPayload{
			UserID:      e.UserID,
			IsAvailable: *e.IsAvailable,
		})
		return nil

	case *types.InvitePayload:
		_, err := h.matchmaker.Create(ctx, matchmaking.CreateParams{
			RequesterID: e.RequesterID,
			TargetID:    e.TargetID,
			Topic:       e.Topic,
			SkillLevel:  e.SkillLevel,
			Duration:    e.Duration,
			Preference:  e.Preference,
		})
		return err

	case *types.AcceptInvitationPayload:
		_, err := h.matchmaker.Accept(ctx, e.RequestID, e.UserID)
		return err

	case *types.DeclineInvitationPayload:
		_, err := h.matchmaker.Decline(ctx, e.RequestID, e.UserID)
		return err

	case *types.CancelInvitationPayload:
		if _, err := h.matchmaker.Cancel(ctx, e.RequestID, e.UserID); err != nil {
			return err
		}
		reply(types.EventInvitationCancelled, types.InvitationClosedPayload{
			RequestID: e.RequestID,
			Status:    types.RequestCancelled,
		})
		return nil

	case *types.SessionMessagePayload:
		_, err := h.sessions.RelayMessage(ctx, e.SessionID, e.SenderID, e.Content)
		if session.IsDroppedMessage(err) {
			// Logged by the session manager; the sender is not told.
			return nil
		}
		return err

	case *types.EndSessionPayload:
		_, err := h.sessions.End(ctx, e.SessionID, e.UserID, e.Feedback)
		return err

	default:
		return ErrUnsupportedEvent
	}
}

// Error codes carried in error frames and mapped to HTTP statuses.
const (
	CodeMalformed       = "malformed_payload"
	CodeNotFound        = "not_found"
	CodeAlreadyResolved = "already_resolved"
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodePersistence     = "persistence"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

var validationErrors = []error{
	types.ErrMalformedPayload,
	types.ErrUnknownEvent,
	types.ErrInvalidUserID,
	types.ErrInvalidSkillLevel,
	types.ErrInvalidPreference,
	types.ErrInvalidTopic,
	types.ErrInvalidDuration,
	types.ErrInvalidDisplayName,
	types.ErrInvalidExpiry,
	types.ErrInvalidRequestID,
	types.ErrInvalidSessionID,
	types.ErrInvalidContent,
	types.ErrInvalidRating,
	types.ErrInvalidNotes,
	types.ErrInvalidParticipant,
	types.ErrMissingField,
	types.ErrSelfInvite,
	session.ErrMessageTooLarge,
}

// Classify maps an error to a wire code and whether retrying may help.
// ARCHITECTURAL DISCOVERY: Sentinels are matched with errors.Is so wrapped
// context never changes the code a client sees
func Classify(err error) (code string, retryable bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimited, true
	case errors.Is(err, ErrHubNotRunning), errors.Is(err, ErrInboundChannelFull):
		return CodeUnavailable, true
	case errors.Is(err, presence.ErrUserOffline):
		return CodeUnavailable, false
	case errors.Is(err, ErrActorMismatch),
		errors.Is(err, matchmaking.ErrNotInvitationTarget),
		errors.Is(err, session.ErrNotParticipant):
		return CodeUnauthorized, false
	case errors.Is(err, matchmaking.ErrRequestNotFound),
		errors.Is(err, matchmaking.ErrUserNotFound),
		errors.Is(err, presence.ErrUserNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return CodeNotFound, false
	case errors.Is(err, matchmaking.ErrAlreadyResolved),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrDuplicateForRequest):
		return CodeAlreadyResolved, false
	case errors.Is(err, interfaces.ErrPersistence):
		return CodePersistence, true
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return CodeMalformed, false
		}
	}
	return CodeInternal, false
}
