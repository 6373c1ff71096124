// Package integration drives a fully wired practicehub over real WebSocket
// and HTTP connections backed by a temporary SQLite database.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"practicehub/internal/app"
	"practicehub/internal/config"
	"practicehub/internal/logging"
	"practicehub/pkg/types"
)

type running struct {
	app    *app.Application
	server *httptest.Server
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.server.Close()
	if err := r.app.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func startApp(t *testing.T, dbPath string) *running {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = dbPath

	application, err := app.NewApplication(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := application.StartWorkers(); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	return &running{app: application, server: httptest.NewServer(application.Handler())}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// joinAvailable registers userID and switches them to available, waiting for
// the server to answer each step.
func joinAvailable(t *testing.T, c *testClient, skill types.SkillLevel) {
	t.Helper()
	id := c.send(t, types.EventJoin, types.JoinPayload{UserID: c.userID, DisplayName: c.userID, SkillLevel: skill})
	c.waitReply(t, types.EventAvailableUsers, id)

	available := true
	id = c.send(t, types.EventSetAvailability, types.SetAvailabilityPayload{UserID: c.userID, IsAvailable: &available})
	c.waitReply(t, types.EventUserAvailabilityChanged, id)
}

func TestPracticeFlow_InviteAcceptChatEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "practicehub.db")
	r := startApp(t, dbPath)

	alice := dial(t, r.server.URL, "alice")
	bob := dial(t, r.server.URL, "bob")
	joinAvailable(t, alice, types.SkillIntermediate)
	joinAvailable(t, bob, types.SkillBeginner)

	alice.send(t, types.EventInvite, types.InvitePayload{RequesterID: "alice", TargetID: "bob", Topic: "Cold call opener"})

	var invitation types.InvitationReceivedPayload
	bob.waitFor(t, types.EventInvitationReceived).decode(t, &invitation)
	if invitation.Requester.UserID != "alice" || invitation.Request.Topic != "Cold call opener" {
		t.Fatalf("unexpected invitation: %+v", invitation)
	}
	alice.waitFor(t, types.EventInvitationSent)

	accept := types.AcceptInvitationPayload{InvitationRef: types.InvitationRef{RequestID: invitation.Request.ID, UserID: "bob"}}
	bob.send(t, types.EventAcceptInvitation, accept)

	var aliceSession, bobSession types.PracticeSession
	alice.waitFor(t, types.EventSessionStarted).decode(t, &aliceSession)
	bob.waitFor(t, types.EventSessionStarted).decode(t, &bobSession)
	if aliceSession.ID == "" || aliceSession.ID != bobSession.ID {
		t.Fatalf("participants saw different sessions: %q vs %q", aliceSession.ID, bobSession.ID)
	}

	// A second accept is rejected on the accepting connection only.
	retry := bob.send(t, types.EventAcceptInvitation, accept)
	var rejected types.ErrorPayload
	bob.waitReply(t, types.EventError, retry).decode(t, &rejected)
	if rejected.Code != "already_resolved" {
		t.Errorf("second accept code = %q, want already_resolved", rejected.Code)
	}

	alice.send(t, types.EventSessionMessage, types.SessionMessagePayload{SessionID: aliceSession.ID, SenderID: "alice", Content: "Hi, is this a good time?"})
	var chat types.SessionMessage
	bob.waitFor(t, types.EventSessionMessageReceived).decode(t, &chat)
	if chat.SenderID != "alice" || chat.Content != "Hi, is this a good time?" {
		t.Errorf("unexpected relayed message: %+v", chat)
	}

	alice.send(t, types.EventEndSession, types.EndSessionPayload{
		SessionID: aliceSession.ID,
		UserID:    "alice",
		Feedback:  map[string]types.Feedback{"bob": {Rating: 5, Notes: "Strong opener"}},
	})
	var ended types.PracticeSession
	bob.waitFor(t, types.EventSessionEnded).decode(t, &ended)
	alice.waitFor(t, types.EventSessionEnded)
	if ended.Status != types.SessionCompleted || ended.EndTime == nil {
		t.Errorf("unexpected ended session: %+v", ended)
	}

	// Ensure the end has been applied before shutting down.
	var stored struct {
		Session types.PracticeSession `json:"session"`
	}
	if code := getJSON(t, r.server.URL+"/api/sessions/"+aliceSession.ID, &stored); code != http.StatusOK {
		t.Fatalf("GET session status %d", code)
	}

	alice.close()
	bob.close()
	r.stop(t)

	// Restart on the same database: profile statistics and the ended session survive.
	r = startApp(t, dbPath)
	defer r.stop(t)

	var user types.UserPresence
	if code := getJSON(t, r.server.URL+"/api/users/bob", &user); code != http.StatusOK {
		t.Fatalf("GET user status %d", code)
	}
	if user.SessionsCompleted != 1 || user.AverageRating != 5 || user.IsOnline || user.IsAvailable {
		t.Errorf("unexpected restored user: %+v", user)
	}
	if code := getJSON(t, r.server.URL+"/api/sessions/"+aliceSession.ID, &stored); code != http.StatusOK {
		t.Fatalf("GET restored session status %d", code)
	}
	if stored.Session.Status != types.SessionCompleted {
		t.Errorf("restored session status = %s", stored.Session.Status)
	}
}

func TestPracticeFlow_DeclineNotifiesRequester(t *testing.T) {
	r := startApp(t, filepath.Join(t.TempDir(), "practicehub.db"))
	defer r.stop(t)

	alice := dial(t, r.server.URL, "alice")
	bob := dial(t, r.server.URL, "bob")
	joinAvailable(t, alice, types.SkillBeginner)
	joinAvailable(t, bob, types.SkillBeginner)

	alice.send(t, types.EventInvite, types.InvitePayload{RequesterID: "alice", TargetID: "bob", Topic: "Objections"})
	var invitation types.InvitationReceivedPayload
	bob.waitFor(t, types.EventInvitationReceived).decode(t, &invitation)

	bob.send(t, types.EventDeclineInvitation, types.DeclineInvitationPayload{
		InvitationRef: types.InvitationRef{RequestID: invitation.Request.ID, UserID: "bob"},
	})
	var declined types.InvitationDeclinedPayload
	alice.waitFor(t, types.EventInvitationDeclined).decode(t, &declined)
	if declined.RequestID != invitation.Request.ID || declined.ByUserID != "bob" {
		t.Errorf("unexpected decline payload: %+v", declined)
	}
	alice.expectNone(t, types.EventSessionStarted, 200*time.Millisecond)
}

func TestPracticeFlow_QuickMatchFindsAvailablePartner(t *testing.T) {
	r := startApp(t, filepath.Join(t.TempDir(), "practicehub.db"))
	defer r.stop(t)

	alice := dial(t, r.server.URL, "alice")
	bob := dial(t, r.server.URL, "bob")
	joinAvailable(t, alice, types.SkillBeginner)
	joinAvailable(t, bob, types.SkillBeginner)

	alice.send(t, types.EventInvite, types.InvitePayload{RequesterID: "alice", Topic: "Discovery questions"})

	var invitation types.InvitationReceivedPayload
	bob.waitFor(t, types.EventInvitationReceived).decode(t, &invitation)
	if !invitation.Request.QuickMatch || invitation.Request.TargetID != "bob" {
		t.Errorf("unexpected quick match request: %+v", invitation.Request)
	}
}

func TestPracticeFlow_ActorMustBeConnectionUser(t *testing.T) {
	r := startApp(t, filepath.Join(t.TempDir(), "practicehub.db"))
	defer r.stop(t)

	alice := dial(t, r.server.URL, "alice")
	id := alice.send(t, types.EventJoin, types.JoinPayload{UserID: "mallory"})

	var failure types.ErrorPayload
	alice.waitReply(t, types.EventError, id).decode(t, &failure)
	if failure.Code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", failure.Code)
	}
	if code := getJSON(t, r.server.URL+"/api/users/mallory", nil); code != http.StatusNotFound {
		t.Errorf("impersonated user should not exist, got status %d", code)
	}
}

func TestPracticeFlow_OfflineUserLeavesAvailableList(t *testing.T) {
	r := startApp(t, filepath.Join(t.TempDir(), "practicehub.db"))
	defer r.stop(t)

	alice := dial(t, r.server.URL, "alice")
	bob := dial(t, r.server.URL, "bob")
	joinAvailable(t, alice, types.SkillBeginner)
	joinAvailable(t, bob, types.SkillBeginner)

	bob.close()

	var changed types.AvailabilityChangedPayload
	for changed.UserID != "bob" || changed.IsAvailable {
		alice.waitFor(t, types.EventUserAvailabilityChanged).decode(t, &changed)
	}

	var list struct {
		Users []types.PresenceSummary `json:"users"`
	}
	getJSON(t, r.server.URL+"/api/users/available?user_id=alice", &list)
	if len(list.Users) != 0 {
		t.Errorf("available users after disconnect = %+v", list.Users)
	}
}
