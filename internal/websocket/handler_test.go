package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"practicehub/internal/auth"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	frames []types.Frame
	users  []string
	err    error
}

func (d *recordingDispatcher) Dispatch(conn interfaces.Connection, frame types.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, frame)
	d.users = append(d.users, conn.GetUserID())
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func setupHandler(t *testing.T, dispatcher Dispatcher) (*Registry, string) {
	t.Helper()
	registry := NewRegistry(nil)
	opts := DefaultHandlerOptions()
	opts.PingInterval = time.Hour
	handler := NewHandler(registry, auth.QueryIdentity{}, dispatcher, opts, nil)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return registry, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandler_RejectsMissingIdentity(t *testing.T) {
	_, url := setupHandler(t, &recordingDispatcher{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without user_id")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestHandler_RegistersAndUnregisters(t *testing.T) {
	registry, url := setupHandler(t, &recordingDispatcher{})

	conn := dial(t, url+"?user_id=alice")
	waitFor(t, func() bool { return registry.HasConnections("alice") }, "registration")

	_ = conn.Close()
	waitFor(t, func() bool { return !registry.HasConnections("alice") }, "unregistration")
}

func TestHandler_MultipleTabsSameUser(t *testing.T) {
	registry, url := setupHandler(t, &recordingDispatcher{})

	tab1 := dial(t, url+"?user_id=alice")
	_ = dial(t, url+"?user_id=alice")
	waitFor(t, func() bool { return len(registry.ConnectionsFor("alice")) == 2 }, "two tabs")

	_ = tab1.Close()
	waitFor(t, func() bool { return len(registry.ConnectionsFor("alice")) == 1 }, "one tab left")
	if !registry.HasConnections("alice") {
		t.Error("alice should remain online with one tab open")
	}
}

func TestHandler_ForwardsFramesToDispatcher(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	_, url := setupHandler(t, dispatcher)

	conn := dial(t, url+"?user_id=alice")
	frame := map[string]interface{}{
		"type":       types.EventSetAvailability,
		"request_id": "r-1",
		"payload":    map[string]interface{}{"userId": "alice", "isAvailable": true},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, func() bool { return dispatcher.count() == 1 }, "dispatch")

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if dispatcher.frames[0].Type != types.EventSetAvailability || dispatcher.frames[0].RequestID != "r-1" {
		t.Errorf("unexpected frame: %+v", dispatcher.frames[0])
	}
	if dispatcher.users[0] != "alice" {
		t.Errorf("frame attributed to %q, want alice", dispatcher.users[0])
	}
}

func TestHandler_MalformedFrameGetsErrorReply(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	_, url := setupHandler(t, dispatcher)

	conn := dial(t, url+"?user_id=alice")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type    string             `json:"type"`
		Payload types.ErrorPayload `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if env.Type != types.EventError || env.Payload.Code != "malformed_payload" {
		t.Errorf("unexpected reply: %+v", env)
	}
	if dispatcher.count() != 0 {
		t.Error("malformed frame must not reach the dispatcher")
	}
}

func TestHandler_DispatchFailureIsRetryable(t *testing.T) {
	dispatcher := &recordingDispatcher{err: errors.New("queue full")}
	_, url := setupHandler(t, dispatcher)

	conn := dial(t, url+"?user_id=alice")
	if err := conn.WriteJSON(map[string]interface{}{"type": "join", "request_id": "r-9"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env types.Envelope
	var payload types.ErrorPayload
	env.Payload = &payload
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if env.RequestID != "r-9" || !payload.Retryable {
		t.Errorf("expected retryable error for r-9, got %+v / %+v", env, payload)
	}
}
