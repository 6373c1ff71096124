package integration

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"practicehub/pkg/types"
)

// received is an envelope with its payload left raw for typed decoding.
type received struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

func (r received) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v (%s)", r.Type, err, r.Payload)
	}
}

// testClient is a WebSocket peer that records every frame it is sent.
type testClient struct {
	userID   string
	conn     *websocket.Conn
	messages chan received
	done     chan struct{}

	mu      sync.Mutex
	pending []received
}

func dial(t *testing.T, serverURL, userID string) *testClient {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("invalid server URL: %v", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"user_id": {userID}}.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}

	c := &testClient{
		userID:   userID,
		conn:     conn,
		messages: make(chan received, 256),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.done)
	for {
		var msg received
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case c.messages <- msg:
		default:
			// Channel full, drop message (shouldn't happen in tests)
		}
	}
}

func (c *testClient) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
	<-c.done
}

// send writes one client event and returns its request ID.
func (c *testClient) send(t *testing.T, event string, payload any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	requestID := uuid.NewString()
	frame := types.Frame{Type: event, RequestID: requestID, Payload: raw}
	if err := c.conn.WriteJSON(frame); err != nil {
		t.Fatalf("%s: send %s: %v", c.userID, event, err)
	}
	return requestID
}

// waitFor returns the next frame of the given type, keeping any others for
// later calls.
func (c *testClient) waitFor(t *testing.T, event string) received {
	t.Helper()
	return c.waitMatch(t, event, func(msg received) bool { return msg.Type == event })
}

// waitReply returns the frame answering requestID.
func (c *testClient) waitReply(t *testing.T, event, requestID string) received {
	t.Helper()
	return c.waitMatch(t, event+" reply", func(msg received) bool {
		return msg.Type == event && msg.RequestID == requestID
	})
}

func (c *testClient) waitMatch(t *testing.T, desc string, match func(received) bool) received {
	t.Helper()
	c.mu.Lock()
	for i, msg := range c.pending {
		if match(msg) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			return msg
		}
	}
	c.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.messages:
			if match(msg) {
				return msg
			}
			c.mu.Lock()
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", c.userID, desc)
			return received{}
		case <-c.done:
			t.Fatalf("%s: connection closed waiting for %s", c.userID, desc)
			return received{}
		}
	}
}

// expectNone fails if a frame of the given type arrives within the window.
func (c *testClient) expectNone(t *testing.T, event string, window time.Duration) {
	t.Helper()
	c.mu.Lock()
	for _, msg := range c.pending {
		if msg.Type == event {
			c.mu.Unlock()
			t.Fatalf("%s: unexpected %s", c.userID, event)
		}
	}
	c.mu.Unlock()

	deadline := time.After(window)
	for {
		select {
		case msg := <-c.messages:
			if msg.Type == event {
				t.Fatalf("%s: unexpected %s: %s", c.userID, event, msg.Payload)
			}
			c.mu.Lock()
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
		case <-deadline:
			return
		}
	}
}
