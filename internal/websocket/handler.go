package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"practicehub/internal/auth"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

// Dispatcher receives every decoded inbound frame.
type Dispatcher interface {
	Dispatch(conn interfaces.Connection, frame types.Frame) error
}

// HandlerOptions configures heartbeats and frame limits.
type HandlerOptions struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	Connection      ConnectionOptions
}

// DefaultHandlerOptions pings every 30s and drops peers silent for 60s.
func DefaultHandlerOptions() HandlerOptions {
	return HandlerOptions{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		MaxMessageBytes: 16 * 1024,
		Connection:      DefaultConnectionOptions(),
	}
}

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Allow all origins; identity comes from the token
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades /ws requests and pumps inbound frames to the dispatcher
// ARCHITECTURAL DISCOVERY: Multi-stage setup (identity -> upgrade -> credentials -> registration)
// prevents unauthenticated sockets from consuming resources
type Handler struct {
	registry   *Registry
	auth       auth.Authenticator
	dispatcher Dispatcher
	opts       HandlerOptions
	logger     *slog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, authenticator auth.Authenticator, dispatcher Dispatcher, opts HandlerOptions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:   registry,
		auth:       authenticator,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With("component", "ws_handler"),
	}
}

// ServeHTTP authenticates, upgrades and then blocks in the read pump until
// the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Info("websocket identity rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn := NewConnection(ws, h.opts.Connection)
	if err := conn.SetCredentials(userID); err != nil {
		h.logger.Warn("failed to set credentials", "user_id", userID, "error", err)
		_ = conn.Close()
		return
	}

	if _, err := h.registry.Register(conn); err != nil {
		h.logger.Warn("failed to register connection", "user_id", userID, "error", err)
		_ = conn.Close()
		return
	}

	h.logger.Info("websocket connected", "user_id", userID, "conn_id", conn.GetID())
	h.handleConnection(conn)
}

// handleConnection runs the heartbeat and read pump for one connection.
// FUNCTIONAL DISCOVERY: Deferred cleanup ensures the registry sees the
// disconnect even if the pump exits on a protocol error
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.logger.Info("websocket disconnected", "user_id", conn.GetUserID(), "conn_id", conn.GetID())
	}()

	ws := conn.conn
	if h.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.opts.MaxMessageBytes)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "user_id", conn.GetUserID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			h.replyError(conn, "", "malformed_payload", "frame must be a JSON object with a type", false)
			continue
		}

		if err := h.dispatcher.Dispatch(conn, frame); err != nil {
			h.logger.Warn("dispatch rejected frame", "user_id", conn.GetUserID(), "type", frame.Type, "error", err)
			h.replyError(conn, frame.RequestID, "unavailable", err.Error(), true)
		}
	}
}

// pingLoop keeps intermediaries from idling the socket out.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) replyError(conn *Connection, requestID, code, message string, retryable bool) {
	env := types.Envelope{
		Type:      types.EventError,
		RequestID: requestID,
		Payload:   types.ErrorPayload{Code: code, Message: message, Retryable: retryable},
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(env); err != nil {
		h.logger.Debug("failed to send error frame", "user_id", conn.GetUserID(), "error", err)
	}
}
