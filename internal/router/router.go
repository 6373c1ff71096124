// Package router delivers server events to users, sessions and everyone.
package router

import (
	"log/slog"
	"sync"

	"practicehub/internal/clock"
	"practicehub/pkg/interfaces"
	"practicehub/pkg/types"
)

// ConnectionSource resolves users to their live connections.
type ConnectionSource interface {
	ConnectionsFor(userID string) []interfaces.Connection
	AllConnections() []interfaces.Connection
}

// SessionDirectory resolves a session to its participants.
type SessionDirectory interface {
	Participants(sessionID string) []string
}

// Router implements interfaces.Notifier
// ARCHITECTURAL DISCOVERY: Pure delivery logic without business rules; it
// never decides who should hear an event, only how to reach them
type Router struct {
	conns    ConnectionSource
	sessions SessionDirectory
	clock    clock.Clock
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRouter creates a new broadcast router
// FUNCTIONAL DISCOVERY: The session directory is attached later because the
// session manager itself needs a notifier at construction
func NewRouter(conns ConnectionSource, clk clock.Clock, logger *slog.Logger) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		conns:  conns,
		clock:  clk,
		logger: logger.With("component", "router"),
	}
}

// SetSessionDirectory attaches the participant lookup used by ToSession.
func (r *Router) SetSessionDirectory(d SessionDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = d
}

// ToUser delivers to every connection of userID. A user with no
// connections is a silent drop.
func (r *Router) ToUser(userID, event string, payload any) int {
	return r.deliver(r.conns.ConnectionsFor(userID), r.envelope(event, payload))
}

// ToSession delivers to every participant of sessionID.
func (r *Router) ToSession(sessionID, event string, payload any) int {
	r.mu.RLock()
	directory := r.sessions
	r.mu.RUnlock()
	if directory == nil {
		r.logger.Warn("no session directory attached", "session_id", sessionID, "event", event)
		return 0
	}

	env := r.envelope(event, payload)
	delivered := 0
	for _, userID := range directory.Participants(sessionID) {
		delivered += r.deliver(r.conns.ConnectionsFor(userID), env)
	}
	return delivered
}

// ToAll delivers to every live connection.
func (r *Router) ToAll(event string, payload any) int {
	return r.deliver(r.conns.AllConnections(), r.envelope(event, payload))
}

// ToAllExcept delivers to every live connection not owned by userID.
func (r *Router) ToAllExcept(userID, event string, payload any) int {
	all := r.conns.AllConnections()
	targets := all[:0:0]
	for _, conn := range all {
		if conn.GetUserID() != userID {
			targets = append(targets, conn)
		}
	}
	return r.deliver(targets, r.envelope(event, payload))
}

// Reply sends an envelope to a single connection, echoing the client's request ID.
func (r *Router) Reply(conn interfaces.Connection, requestID, event string, payload any) error {
	env := r.envelope(event, payload)
	env.RequestID = requestID
	if err := conn.WriteJSON(env); err != nil {
		r.logger.Warn("reply failed", "conn_id", conn.GetID(), "user_id", conn.GetUserID(), "event", event, "error", err)
		return err
	}
	return nil
}

func (r *Router) envelope(event string, payload any) types.Envelope {
	return types.Envelope{
		Type:      event,
		Payload:   payload,
		Timestamp: r.clock.Now().UTC(),
	}
}

// deliver writes env to each connection.
// FUNCTIONAL DISCOVERY: Continue delivery to other recipients even if one fails
func (r *Router) deliver(conns []interfaces.Connection, env types.Envelope) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.WriteJSON(env); err != nil {
			r.logger.Warn("delivery failed",
				"conn_id", conn.GetID(),
				"user_id", conn.GetUserID(),
				"event", env.Type,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}
