// Package api mirrors the WebSocket actions over plain HTTP for clients and
// tooling that cannot hold a socket open.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"practicehub/internal/auth"
	"practicehub/internal/clock"
	"practicehub/internal/hub"
	"practicehub/internal/matchmaking"
	"practicehub/internal/presence"
	"practicehub/internal/session"
	"practicehub/pkg/types"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 * 1024

// PresenceService is the presence store as seen by HTTP clients.
type PresenceService interface {
	Join(ctx context.Context, profile presence.Profile) ([]types.PresenceSummary, error)
	SetAvailability(ctx context.Context, userID string, available bool) error
	ListAvailable(excludingUserID string) []types.PresenceSummary
	Get(userID string) (*types.UserPresence, bool)
	GetStats() map[string]int
}

// MatchService is the matchmaking coordinator as seen by HTTP clients.
type MatchService interface {
	hub.Matchmaker
	Get(ctx context.Context, requestID string) (*types.MatchRequest, error)
	GetStats() map[string]int
}

// SessionService is the session manager as seen by HTTP clients.
type SessionService interface {
	hub.Sessions
	Get(ctx context.Context, sessionID string) (*types.PracticeSession, error)
	ListActive() []*types.PracticeSession
	Messages(ctx context.Context, sessionID string) ([]*types.SessionMessage, error)
	GetStats() map[string]int
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// HealthChecker reports storage reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PresenceMirror is the external presence copy, read back for health.
type PresenceMirror interface {
	OnlineUserIDs(ctx context.Context) ([]string, error)
}

// Deps are the components the HTTP layer fronts. Database, Mirror and Auth
// are optional.
type Deps struct {
	Presence PresenceService
	Matches  MatchService
	Sessions SessionService
	Registry Registry
	Database HealthChecker
	Mirror   PresenceMirror
	Auth     auth.Authenticator
	Clock    clock.Clock
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Deps
	router  *http.ServeMux
	handler http.Handler
	started time.Time
	logger  *slog.Logger
}

// NewServer wires the routes over deps.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		router:  http.NewServeMux(),
		started: deps.Clock.Now(),
		logger:  logger.With("component", "api"),
	}

	s.setupRoutes()
	// FUNCTIONAL DISCOVERY: Middleware wraps the whole mux so preflight
	// requests are answered before method-specific patterns reject them
	s.handler = s.corsMiddleware(s.jsonMiddleware(s.router))
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions, one pattern per action
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/users", s.joinUser)
	s.router.HandleFunc("GET /api/users/available", s.listAvailable)
	s.router.HandleFunc("GET /api/users/{id}", s.getUser)
	s.router.HandleFunc("PUT /api/users/{id}/availability", s.setAvailability)

	s.router.HandleFunc("POST /api/invitations", s.createInvitation)
	s.router.HandleFunc("GET /api/invitations/{id}", s.getInvitation)
	s.router.HandleFunc("POST /api/invitations/{id}/accept", s.acceptInvitation)
	s.router.HandleFunc("POST /api/invitations/{id}/decline", s.declineInvitation)
	s.router.HandleFunc("POST /api/invitations/{id}/cancel", s.cancelInvitation)

	s.router.HandleFunc("GET /api/sessions", s.listSessions)
	s.router.HandleFunc("GET /api/sessions/{id}", s.getSession)
	s.router.HandleFunc("POST /api/sessions/{id}/end", s.endSession)
	s.router.HandleFunc("POST /api/sessions/{id}/messages", s.postMessage)

	s.router.HandleFunc("GET /health", s.healthCheck)
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization

type JoinResponse struct {
	User           *types.UserPresence     `json:"user"`
	AvailableUsers []types.PresenceSummary `json:"available_users"`
}

type AvailableUsersResponse struct {
	Users []types.PresenceSummary `json:"users"`
}

type AvailabilityRequest struct {
	UserID      string `json:"userId"`
	IsAvailable *bool  `json:"isAvailable"`
}

type ActorRequest struct {
	UserID string `json:"userId"`
}

type InvitationResponse struct {
	Request *types.MatchRequest `json:"request"`
}

type EndSessionRequest struct {
	UserID   string                    `json:"userId"`
	Feedback map[string]types.Feedback `json:"feedback,omitempty"`
}

type MessageRequest struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

type SessionResponse struct {
	Session  *types.PracticeSession  `json:"session"`
	Messages []*types.SessionMessage `json:"messages,omitempty"`
}

// MessageDroppedResponse acknowledges a chat line that reached nobody.
type MessageDroppedResponse struct {
	Status string `json:"status"`
}

type ListSessionsResponse struct {
	Sessions []*types.PracticeSession `json:"sessions"`
}

type HealthResponse struct {
	Status      string                    `json:"status"`
	Timestamp   time.Time                 `json:"timestamp"`
	Database    string                    `json:"database"`
	Mirror      string                    `json:"presence_mirror"`
	Connections map[string]int            `json:"connections"`
	Components  map[string]map[string]int `json:"components"`
	System      map[string]interface{}    `json:"system"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
}

// POST /api/users - register or refresh a profile and return who is available
func (s *Server) joinUser(w http.ResponseWriter, r *http.Request) {
	var req types.JoinPayload
	if !s.decode(w, r, &req) || !s.validate(w, &req) || !s.authorize(w, r, req.UserID) {
		return
	}

	list, err := s.deps.Presence.Join(r.Context(), presence.Profile{
		UserID:            req.UserID,
		DisplayName:       req.DisplayName,
		SkillLevel:        req.SkillLevel,
		MatchPreference:   req.MatchPreference,
		PreferredDuration: req.PreferredDuration,
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	user, _ := s.deps.Presence.Get(req.UserID)
	s.sendJSON(w, http.StatusOK, JoinResponse{User: user, AvailableUsers: list})
}

// GET /api/users/available?user_id= - available users, caller excluded
func (s *Server) listAvailable(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID != "" && !types.IsValidUserID(userID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}
	s.sendJSON(w, http.StatusOK, AvailableUsersResponse{Users: s.deps.Presence.ListAvailable(userID)})
}

// GET /api/users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.deps.Presence.Get(r.PathValue("id"))
	if !ok {
		s.sendFailure(w, r, presence.ErrUserNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, user)
}

// PUT /api/users/{id}/availability
func (s *Server) setAvailability(w http.ResponseWriter, r *http.Request) {
	var body AvailabilityRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := types.SetAvailabilityPayload{UserID: r.PathValue("id"), IsAvailable: body.IsAvailable}
	if !s.validate(w, &req) || !s.authorize(w, r, req.UserID) {
		return
	}

	if err := s.deps.Presence.SetAvailability(r.Context(), req.UserID, *req.IsAvailable); err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, types.AvailabilityChangedPayload{UserID: req.UserID, IsAvailable: *req.IsAvailable})
}

// POST /api/invitations - directed invite, or quick match when targetId is empty
func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	var req types.InvitePayload
	if !s.decode(w, r, &req) || !s.validate(w, &req) || !s.authorize(w, r, req.RequesterID) {
		return
	}

	created, err := s.deps.Matches.Create(r.Context(), matchmaking.CreateParams{
		RequesterID: req.RequesterID,
		TargetID:    req.TargetID,
		Topic:       req.Topic,
		SkillLevel:  req.SkillLevel,
		Duration:    req.Duration,
		Preference:  req.Preference,
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, InvitationResponse{Request: created})
}

// GET /api/invitations/{id}
func (s *Server) getInvitation(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Matches.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, InvitationResponse{Request: req})
}

// POST /api/invitations/{id}/accept
func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.invitationRef(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Matches.Accept(r.Context(), ref.RequestID, ref.UserID)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

// POST /api/invitations/{id}/decline
func (s *Server) declineInvitation(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.invitationRef(w, r)
	if !ok {
		return
	}
	req, err := s.deps.Matches.Decline(r.Context(), ref.RequestID, ref.UserID)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, InvitationResponse{Request: req})
}

// POST /api/invitations/{id}/cancel
func (s *Server) cancelInvitation(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.invitationRef(w, r)
	if !ok {
		return
	}
	req, err := s.deps.Matches.Cancel(r.Context(), ref.RequestID, ref.UserID)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, InvitationResponse{Request: req})
}

func (s *Server) invitationRef(w http.ResponseWriter, r *http.Request) (types.InvitationRef, bool) {
	var body ActorRequest
	if !s.decode(w, r, &body) {
		return types.InvitationRef{}, false
	}
	ref := types.InvitationRef{RequestID: r.PathValue("id"), UserID: body.UserID}
	if !s.validate(w, &ref) || !s.authorize(w, r, ref.UserID) {
		return ref, false
	}
	return ref, true
}

// GET /api/sessions - active sessions ordered by start time
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, ListSessionsResponse{Sessions: s.deps.Sessions.ListActive()})
}

// GET /api/sessions/{id} - session with its chat history
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.deps.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	messages, err := s.deps.Sessions.Messages(r.Context(), sessionID)
	if err != nil {
		// The session itself is still worth returning.
		s.logger.Warn("failed to load session messages", "session_id", sessionID, "error", err)
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: sess, Messages: messages})
}

// POST /api/sessions/{id}/end - idempotent end with optional feedback
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var body EndSessionRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := types.EndSessionPayload{SessionID: r.PathValue("id"), UserID: body.UserID, Feedback: body.Feedback}
	if !s.validate(w, &req) || !s.authorize(w, r, req.UserID) {
		return
	}

	sess, err := s.deps.Sessions.End(r.Context(), req.SessionID, req.UserID, req.Feedback)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

// POST /api/sessions/{id}/messages - relay a chat line to the participants
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body MessageRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := types.SessionMessagePayload{SessionID: r.PathValue("id"), SenderID: body.SenderID, Content: body.Content}
	if !s.validate(w, &req) || !s.authorize(w, r, req.SenderID) {
		return
	}

	msg, err := s.deps.Sessions.RelayMessage(r.Context(), req.SessionID, req.SenderID, req.Content)
	if session.IsDroppedMessage(err) {
		// FUNCTIONAL DISCOVERY: Mirrors the socket, where a dropped message
		// produces no error frame
		s.sendJSON(w, http.StatusAccepted, MessageDroppedResponse{Status: "dropped"})
		return
	}
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, msg)
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.deps.Database != nil {
		dbStatus = "healthy"
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	// A mirror outage degrades external visibility only; in-memory presence
	// stays authoritative, so it never makes the service unhealthy
	mirrorStatus := "disabled"
	var mirrored map[string]int
	if s.deps.Mirror != nil {
		ids, err := s.deps.Mirror.OnlineUserIDs(ctx)
		if err != nil {
			mirrorStatus = fmt.Sprintf("error: %v", err)
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			mirrorStatus = "healthy"
			mirrored = map[string]int{"online_users": len(ids)}
		}
	}

	var connections map[string]int
	if s.deps.Registry != nil {
		connections = s.deps.Registry.GetStats()
	}

	components := make(map[string]map[string]int, 3)
	if s.deps.Presence != nil {
		components["presence"] = s.deps.Presence.GetStats()
	}
	if s.deps.Matches != nil {
		components["matchmaking"] = s.deps.Matches.GetStats()
	}
	if s.deps.Sessions != nil {
		components["sessions"] = s.deps.Sessions.GetStats()
	}
	if mirrored != nil {
		components["presence_mirror"] = mirrored
	}

	now := s.deps.Clock.Now()
	response := HealthResponse{
		Status:      status,
		Timestamp:   now.UTC(),
		Database:    dbStatus,
		Mirror:      mirrorStatus,
		Connections: connections,
		Components:  components,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     now.Sub(s.started).Round(time.Second).String(),
		},
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) validate(w http.ResponseWriter, v interface{ Validate() error }) bool {
	if err := v.Validate(); err != nil {
		s.sendCoded(w, http.StatusBadRequest, hub.CodeMalformed, err.Error())
		return false
	}
	return true
}

// authorize checks the acting user against the verified caller when an
// authenticator is configured.
// ARCHITECTURAL DISCOVERY: Same rule as the socket path: a caller may only act as themselves
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, actorID string) bool {
	if s.deps.Auth == nil {
		return true
	}
	userID, err := s.deps.Auth.Authenticate(r)
	if err != nil {
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
		return false
	}
	if userID != actorID {
		s.sendFailure(w, r, hub.ErrActorMismatch)
		return false
	}
	return true
}

// sendFailure maps a component error onto an HTTP status.
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	code, _ := hub.Classify(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.sendCoded(w, status, code, err.Error())
}

// StatusFor maps a wire error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case hub.CodeMalformed:
		return http.StatusBadRequest
	case hub.CodeNotFound:
		return http.StatusNotFound
	case hub.CodeAlreadyResolved:
		return http.StatusConflict
	case hub.CodeUnauthorized:
		return http.StatusForbidden
	case hub.CodeRateLimited:
		return http.StatusTooManyRequests
	case hub.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendCoded(w, code, "", message)
}

func (s *Server) sendCoded(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		Code:      status,
		ErrorCode: code,
		Message:   message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins in development - would be restricted in production
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// FUNCTIONAL DISCOVERY: Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
