package websocket

import (
	"log/slog"
	"sort"
	"sync"

	"practicehub/pkg/interfaces"
)

// PresenceListener is told when a user gains their first connection or
// loses their last one.
type PresenceListener interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// Registry manages live connections with thread-safe operations
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic.
// A user may hold several connections (tabs, devices); online means at least one
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]interfaces.Connection // userID -> connID -> conn
	byConn    map[string]interfaces.Connection            // connID -> conn
	listeners []PresenceListener
	logger    *slog.Logger
}

// NewRegistry creates a new connection registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]map[string]interfaces.Connection),
		byConn: make(map[string]interfaces.Connection),
		logger: logger.With("component", "registry"),
	}
}

// AddListener subscribes l to online/offline transitions.
func (r *Registry) AddListener(l PresenceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds conn to its user's set. first reports the offline -> online transition.
// FUNCTIONAL DISCOVERY: Listeners run after the lock is released so they may
// call back into the registry
func (r *Registry) Register(conn interfaces.Connection) (first bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return false, ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	connID := conn.GetID()

	r.mu.Lock()
	if _, exists := r.byConn[connID]; exists {
		r.mu.Unlock()
		return false, nil
	}
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]interfaces.Connection)
		r.byUser[userID] = conns
	}
	first = len(conns) == 0
	conns[connID] = conn
	r.byConn[connID] = conn
	listeners := append([]PresenceListener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("connection registered", "user_id", userID, "conn_id", connID, "first", first)

	if first {
		for _, l := range listeners {
			l.UserOnline(userID)
		}
	}
	return first, nil
}

// Unregister removes conn. last reports the online -> offline transition.
// Unknown connections are ignored.
func (r *Registry) Unregister(conn interfaces.Connection) (last bool) {
	if conn == nil {
		return false
	}
	connID := conn.GetID()

	r.mu.Lock()
	registered, exists := r.byConn[connID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	userID := registered.GetUserID()
	delete(r.byConn, connID)
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
			delete(r.byUser, userID)
			last = true
		}
	}
	listeners := append([]PresenceListener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("connection unregistered", "user_id", userID, "conn_id", connID, "last", last)

	if last {
		for _, l := range listeners {
			l.UserOffline(userID)
		}
	}
	return last
}

// ConnectionsFor returns every live connection of userID.
func (r *Registry) ConnectionsFor(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// AllConnections returns a snapshot of every live connection.
func (r *Registry) AllConnections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// HasConnections reports whether userID is online.
func (r *Registry) HasConnections(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the IDs of every connected user, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byConn),
		"online_users":      len(r.byUser),
	}
}
