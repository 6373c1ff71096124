package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"practicehub/internal/clock"
	"practicehub/internal/logging"
	"practicehub/internal/matchmaking"
	"practicehub/internal/presence"
	"practicehub/internal/session"
	"practicehub/internal/websocket"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

type fakeConn struct {
	id     string
	userID string
}

func (f *fakeConn) GetID() string                 { return f.id }
func (f *fakeConn) GetUserID() string             { return f.userID }
func (f *fakeConn) IsAuthenticated() bool         { return true }
func (f *fakeConn) SetCredentials(u string) error { f.userID = u; return nil }
func (f *fakeConn) Close() error                  { return nil }
func (f *fakeConn) WriteJSON(interface{}) error   { return nil }

type reply struct {
	connID    string
	requestID string
	event     string
	payload   any
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []reply
}

func (r *recordingReplier) Reply(conn interfaces.Connection, requestID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{conn.GetID(), requestID, event, payload})
	return nil
}

func (r *recordingReplier) all() []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reply(nil), r.replies...)
}

type fakePresence struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePresence) Join(ctx context.Context, profile presence.Profile) ([]types.PresenceSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "join:"+profile.UserID)
	return []types.PresenceSummary{{UserID: "bob"}}, p.err
}

func (p *fakePresence) SetConnectedAvailability(ctx context.Context, userID string, available bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("avail:%s:%v", userID, available))
	return p.err
}

type fakeMatchmaker struct {
	mu     sync.Mutex
	calls  []string
	err    error
	params matchmaking.CreateParams
}

func (m *fakeMatchmaker) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *fakeMatchmaker) Create(ctx context.Context, params matchmaking.CreateParams) (*types.MatchRequest, error) {
	m.record("create:" + params.RequesterID)
	m.mu.Lock()
	m.params = params
	m.mu.Unlock()
	return &types.MatchRequest{ID: "r1"}, m.err
}

func (m *fakeMatchmaker) Accept(ctx context.Context, requestID, userID string) (*types.PracticeSession, error) {
	m.record("accept:" + requestID + ":" + userID)
	return &types.PracticeSession{ID: "s1"}, m.err
}

func (m *fakeMatchmaker) Decline(ctx context.Context, requestID, userID string) (*types.MatchRequest, error) {
	m.record("decline:" + requestID + ":" + userID)
	return &types.MatchRequest{ID: requestID}, m.err
}

func (m *fakeMatchmaker) Cancel(ctx context.Context, requestID, requesterID string) (*types.MatchRequest, error) {
	m.record("cancel:" + requestID + ":" + requesterID)
	return &types.MatchRequest{ID: requestID}, m.err
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSessions) End(ctx context.Context, sessionID, endedBy string, feedback map[string]types.Feedback) (*types.PracticeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "end:"+sessionID+":"+endedBy)
	return &types.PracticeSession{ID: sessionID}, s.err
}

func (s *fakeSessions) RelayMessage(ctx context.Context, sessionID, senderID, content string) (*types.SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "msg:"+sessionID+":"+senderID)
	return &types.SessionMessage{ID: "m1"}, s.err
}

type fixture struct {
	hub      *Hub
	presence *fakePresence
	match    *fakeMatchmaker
	sessions *fakeSessions
	replier  *recordingReplier
	clock    *clock.Fake
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		presence: &fakePresence{},
		match:    &fakeMatchmaker{},
		sessions: &fakeSessions{},
		replier:  &recordingReplier{},
		clock:    clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
	}
	f.hub = NewHub(f.presence, f.match, f.sessions, f.replier, f.clock, opts, logging.Discard())
	return f
}

func frame(t *testing.T, event, requestID string, payload any) types.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return types.Frame{Type: event, RequestID: requestID, Payload: raw}
}

func (f *fixture) handle(t *testing.T, userID string, fr types.Frame) {
	t.Helper()
	f.hub.Handle(context.Background(), &Inbound{Conn: &fakeConn{id: "c-" + userID, userID: userID}, Frame: fr})
}

func lastError(t *testing.T, r *recordingReplier) types.ErrorPayload {
	t.Helper()
	replies := r.all()
	if len(replies) == 0 {
		t.Fatal("expected a reply")
	}
	last := replies[len(replies)-1]
	if last.event != types.EventError {
		t.Fatalf("expected error reply, got %s", last.event)
	}
	return last.payload.(types.ErrorPayload)
}

// TestHub_StartStop tests functional validation - hub lifecycle management
func TestHub_StartStop(t *testing.T) {
	f := newFixture(DefaultOptions())
	ctx := context.Background()

	if err := f.hub.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := f.hub.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := f.hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := f.hub.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_DispatchRequiresRunningHub(t *testing.T) {
	f := newFixture(DefaultOptions())
	err := f.hub.Dispatch(&fakeConn{id: "c1", userID: "alice"}, types.Frame{Type: types.EventJoin})
	if err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

// TestHub_ChannelBuffering tests technical validation - non-blocking dispatch
func TestHub_ChannelBuffering(t *testing.T) {
	opts := DefaultOptions()
	opts.InboundBuffer = 1
	f := newFixture(opts)
	f.hub.running = true // accept frames without draining them

	conn := &fakeConn{id: "c1", userID: "alice"}
	if err := f.hub.Dispatch(conn, types.Frame{Type: types.EventJoin}); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if err := f.hub.Dispatch(conn, types.Frame{Type: types.EventJoin}); err != ErrInboundChannelFull {
		t.Errorf("Expected ErrInboundChannelFull, got %v", err)
	}
}

func TestHub_DispatchedFramesAreHandled(t *testing.T) {
	f := newFixture(DefaultOptions())
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := &fakeConn{id: "c1", userID: "alice"}
	fr := frame(t, types.EventJoin, "r-1", types.JoinPayload{UserID: "alice", DisplayName: "Alice"})
	if err := f.hub.Dispatch(conn, fr); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.replier.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.hub.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	replies := f.replier.all()
	if len(replies) != 1 || replies[0].event != types.EventAvailableUsers || replies[0].requestID != "r-1" {
		t.Errorf("unexpected replies: %+v", replies)
	}
}

func TestHub_RoutesEvents(t *testing.T) {
	f := newFixture(DefaultOptions())
	yes := true

	f.handle(t, "alice", frame(t, types.EventJoin, "", types.JoinPayload{UserID: "alice"}))
	f.handle(t, "alice", frame(t, types.EventSetAvailability, "", types.SetAvailabilityPayload{UserID: "alice", IsAvailable: &yes}))
	f.handle(t, "alice", frame(t, types.EventInvite, "", types.InvitePayload{RequesterID: "alice", Topic: "Cold call", Preference: types.PreferenceSimilar}))
	f.handle(t, "bob", frame(t, types.EventAcceptInvitation, "", types.InvitationRef{RequestID: "r1", UserID: "bob"}))
	f.handle(t, "bob", frame(t, types.EventDeclineInvitation, "", types.InvitationRef{RequestID: "r2", UserID: "bob"}))
	f.handle(t, "alice", frame(t, types.EventCancelInvitation, "", types.InvitationRef{RequestID: "r3", UserID: "alice"}))
	f.handle(t, "bob", frame(t, types.EventSessionMessage, "", types.SessionMessagePayload{SessionID: "s1", SenderID: "bob", Content: "hi"}))
	f.handle(t, "bob", frame(t, types.EventEndSession, "", types.EndSessionPayload{SessionID: "s1", UserID: "bob"}))

	wantPresence := []string{"join:alice", "avail:alice:true"}
	wantMatch := []string{"create:alice", "accept:r1:bob", "decline:r2:bob", "cancel:r3:alice"}
	wantSessions := []string{"msg:s1:bob", "end:s1:bob"}

	check := func(name string, got, want []string) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s calls = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s calls = %v, want %v", name, got, want)
				return
			}
		}
	}
	check("presence", f.presence.calls, wantPresence)
	check("matchmaker", f.match.calls, wantMatch)
	check("sessions", f.sessions.calls, wantSessions)

	if f.match.params.Preference != types.PreferenceSimilar || f.match.params.TargetID != "" {
		t.Errorf("unexpected create params: %+v", f.match.params)
	}
	for _, r := range f.replier.all() {
		if r.event == types.EventError {
			t.Errorf("unexpected error reply: %+v", r.payload)
		}
	}
}

func TestHub_ActorMismatchIsUnauthorized(t *testing.T) {
	f := newFixture(DefaultOptions())
	f.handle(t, "mallory", frame(t, types.EventAcceptInvitation, "r-7", types.InvitationRef{RequestID: "r1", UserID: "bob"}))

	payload := lastError(t, f.replier)
	if payload.Code != CodeUnauthorized || payload.Retryable {
		t.Errorf("unexpected error payload: %+v", payload)
	}
	if len(f.match.calls) != 0 {
		t.Error("impersonated action must not reach the coordinator")
	}
	if f.replier.all()[0].requestID != "r-7" {
		t.Error("error reply should echo the request ID")
	}
}

func TestHub_MalformedPayload(t *testing.T) {
	f := newFixture(DefaultOptions())
	f.handle(t, "alice", types.Frame{Type: types.EventInvite, Payload: json.RawMessage(`{"requesterId":"alice"}`)})

	if payload := lastError(t, f.replier); payload.Code != CodeMalformed {
		t.Errorf("expected malformed_payload, got %+v", payload)
	}
}

func TestHub_ComponentErrorsBecomeErrorFrames(t *testing.T) {
	f := newFixture(DefaultOptions())
	f.match.err = fmt.Errorf("%w: request is accepted", matchmaking.ErrAlreadyResolved)

	f.handle(t, "bob", frame(t, types.EventAcceptInvitation, "", types.InvitationRef{RequestID: "r1", UserID: "bob"}))

	if payload := lastError(t, f.replier); payload.Code != CodeAlreadyResolved {
		t.Errorf("expected already_resolved, got %+v", payload)
	}
}

func TestHub_DroppedSessionMessageIsSilent(t *testing.T) {
	for _, err := range []error{session.ErrSessionNotFound, session.ErrSessionEnded, session.ErrNotParticipant} {
		t.Run(err.Error(), func(t *testing.T) {
			f := newFixture(DefaultOptions())
			f.sessions.err = err

			f.handle(t, "alice", frame(t, types.EventSessionMessage, "r-1", types.SessionMessagePayload{SessionID: "no-such-session", SenderID: "alice", Content: "hi"}))

			if replies := f.replier.all(); len(replies) != 0 {
				t.Errorf("a dropped message must not be answered, got %+v", replies)
			}
		})
	}

	// Malformed and unsaved messages are still reported.
	f := newFixture(DefaultOptions())
	f.sessions.err = session.ErrMessageTooLarge
	f.handle(t, "alice", frame(t, types.EventSessionMessage, "r-2", types.SessionMessagePayload{SessionID: "s1", SenderID: "alice", Content: "hi"}))
	if payload := lastError(t, f.replier); payload.Code != CodeMalformed {
		t.Errorf("expected malformed_payload, got %+v", payload)
	}
}

// A set-availability frame still queued when its socket closes must not make
// the user available again after the registry has taken them offline.
func TestHub_AvailabilityQueuedBeforeDisconnect(t *testing.T) {
	logger := logging.Discard()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	registry := websocket.NewRegistry(logger)
	store := presence.NewStore(registry, nil, nil, clk, logger)
	registry.AddListener(store)
	h := NewHub(store, &fakeMatchmaker{}, &fakeSessions{}, &recordingReplier{}, clk, DefaultOptions(), logger)

	alice := &fakeConn{id: "c-alice", userID: "alice"}
	bob := &fakeConn{id: "c-bob", userID: "bob"}
	for _, conn := range []*fakeConn{alice, bob} {
		if _, err := registry.Register(conn); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	yes := true
	queued := &Inbound{Conn: alice, Frame: frame(t, types.EventSetAvailability, "r-1", types.SetAvailabilityPayload{UserID: "alice", IsAvailable: &yes})}
	registry.Unregister(alice)
	h.Handle(context.Background(), queued)

	if p, _ := store.Get("alice"); p.IsAvailable || p.IsOnline {
		t.Errorf("alice has no connection and must stay unavailable, got %+v", p)
	}
	if list := store.ListAvailable("bob"); len(list) != 0 {
		t.Errorf("bob should see nobody available, got %+v", list)
	}

	// The same frame from a live connection still works.
	live := &Inbound{Conn: bob, Frame: frame(t, types.EventSetAvailability, "r-2", types.SetAvailabilityPayload{UserID: "bob", IsAvailable: &yes})}
	h.Handle(context.Background(), live)
	if p, _ := store.Get("bob"); !p.IsAvailable {
		t.Error("bob should be available")
	}
}

func TestHub_RateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.RateLimit = 2
	f := newFixture(opts)
	join := frame(t, types.EventJoin, "", types.JoinPayload{UserID: "alice"})

	for i := 0; i < 3; i++ {
		f.handle(t, "alice", join)
	}
	if len(f.presence.calls) != 2 {
		t.Errorf("expected 2 handled joins, got %d", len(f.presence.calls))
	}
	payload := lastError(t, f.replier)
	if payload.Code != CodeRateLimited || !payload.Retryable {
		t.Errorf("unexpected error payload: %+v", payload)
	}

	f.clock.Advance(time.Minute)
	f.handle(t, "alice", join)
	if len(f.presence.calls) != 3 {
		t.Error("a new window should allow events again")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(100, time.Minute, clk)
	rl.Allow("alice")
	rl.Allow("bob")

	clk.Advance(3 * time.Minute)
	rl.Allow("bob")
	clk.Advance(3 * time.Minute)
	rl.Cleanup()

	if rl.Tracked() != 1 {
		t.Errorf("expected only bob to be tracked, got %d users", rl.Tracked())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{ErrRateLimitExceeded, CodeRateLimited, true},
		{ErrInboundChannelFull, CodeUnavailable, true},
		{ErrActorMismatch, CodeUnauthorized, false},
		{matchmaking.ErrNotInvitationTarget, CodeUnauthorized, false},
		{session.ErrNotParticipant, CodeUnauthorized, false},
		{fmt.Errorf("wrap: %w", matchmaking.ErrRequestNotFound), CodeNotFound, false},
		{presence.ErrUserNotFound, CodeNotFound, false},
		{fmt.Errorf("%w: alice", presence.ErrUserOffline), CodeUnavailable, false},
		{session.ErrSessionNotFound, CodeNotFound, false},
		{session.ErrSessionEnded, CodeAlreadyResolved, false},
		{fmt.Errorf("%w: x", interfaces.ErrPersistence), CodePersistence, true},
		{types.ErrSelfInvite, CodeMalformed, false},
		{session.ErrMessageTooLarge, CodeMalformed, false},
		{errors.New("boom"), CodeInternal, false},
	}
	for _, tt := range tests {
		code, retryable := Classify(tt.err)
		if code != tt.code || retryable != tt.retryable {
			t.Errorf("Classify(%v) = %s/%v, want %s/%v", tt.err, code, retryable, tt.code, tt.retryable)
		}
	}
}
