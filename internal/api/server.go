package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"livesession/internal/auth"
	"livesession/pkg/interfaces"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

var log = logrus.WithField("component", "api")

// IdentityResolver authenticates a request.
type IdentityResolver interface {
	FromRequest(r *http.Request) (*auth.Identity, error)
}

// Presence is the presence registry as seen by HTTP polling clients.
type Presence interface {
	SetOnline(ctx context.Context, userID string) (bool, error)
	SetOffline(ctx context.Context, userID string) error
	ListOnline(ctx context.Context) ([]string, error)
}

// Notifier broadcasts presence and drains queued notifications.
type Notifier interface {
	BroadcastPresence(ctx context.Context) ([]string, error)
	DrainPending(ctx context.Context, recipientID string) ([]*types.Notification, error)
}

// VideoIssuer mints provider tokens.
type VideoIssuer interface {
	Issue(identity, room string) (string, error)
}

// HealthChecker reports durable store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Directory exposes connection counters.
type Directory interface {
	GetStats() map[string]int
}

// Deps are the collaborators behind the HTTP surface. Metrics and WebSocket
// are optional handlers mounted as-is.
type Deps struct {
	Sessions   interfaces.SessionManager
	Presence   Presence
	Notifier   Notifier
	Identities IdentityResolver
	Video      VideoIssuer
	Health     HealthChecker
	Directory  Directory
	Metrics    http.Handler
	WebSocket  http.Handler
}

// Config holds HTTP policy.
type Config struct {
	AllowedOrigins []string
	HostRoles      []string
	MetricsPath    string
}

// Server is the HTTP API.
// ARCHITECTURAL DISCOVERY: no business logic here; every handler decodes,
// calls one service method and maps the error taxonomy to a status code
type Server struct {
	deps      Deps
	hostRoles map[string]bool
	router    *mux.Router
	handler   http.Handler
	startedAt time.Time
}

func NewServer(deps Deps, config Config) *Server {
	roles := make(map[string]bool, len(config.HostRoles))
	for _, role := range config.HostRoles {
		roles[strings.ToUpper(role)] = true
	}
	s := &Server{
		deps:      deps,
		hostRoles: roles,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	s.setupRoutes(config)

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}).Handler(s.router)
	return s
}

func (s *Server) setupRoutes(config Config) {
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		path := config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.deps.Metrics).Methods(http.MethodGet)
	}
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}

	s.router.Handle("/presence/update", s.authenticated(s.presenceUpdate)).Methods(http.MethodGet, http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Handle("/presence/update", s.authenticated(s.presenceUpdate)).Methods(http.MethodGet, http.MethodPost)
	api.Handle("/notifications", s.authenticated(s.listNotifications)).Methods(http.MethodGet)
	api.Handle("/sessions", s.authenticated(s.listSessions)).Methods(http.MethodGet)
	api.Handle("/sessions", s.authenticated(s.createSession)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}", s.authenticated(s.getSession)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}", s.authenticated(s.endSession)).Methods(http.MethodDelete)
	api.Handle("/sessions/{id}/messages", s.authenticated(s.listMessages)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}/messages", s.authenticated(s.postMessage)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/hand", s.authenticated(s.raiseHand)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/hand", s.authenticated(s.lowerHand)).Methods(http.MethodDelete)
	api.Handle("/sessions/{id}/participants/move", s.authenticated(s.moveParticipant)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/participants/{userId}/mute", s.authenticated(s.muteParticipant)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/participants/{userId}/spotlight", s.authenticated(s.spotlightParticipant)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/participants/{userId}", s.authenticated(s.removeParticipant)).Methods(http.MethodDelete)
	api.Handle("/video/token", s.authenticated(s.videoToken)).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type PresenceUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=online offline"`
}

type PresenceResponse struct {
	Success       bool     `json:"success,omitempty"`
	OnlineUserIDs []string `json:"onlineUserIds"`
}

type CreateSessionRequest struct {
	Title        string                     `json:"title" validate:"required,max=200"`
	Type         string                     `json:"type" validate:"omitempty,oneof=CLASS MEETING class meeting"`
	ClassID      string                     `json:"classId" validate:"max=64"`
	Participants []protocol.ParticipantSpec `json:"participants" validate:"required,min=1,dive"`
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
}

type ListSessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type MessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type MessageResponse struct {
	Message *types.ChatMessage `json:"message"`
}

type ListMessagesResponse struct {
	Messages []*types.ChatMessage `json:"messages"`
}

type MoveRequest struct {
	FromIndex int `json:"fromIndex" validate:"gte=0"`
	ToIndex   int `json:"toIndex" validate:"gte=0"`
}

type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
}

type VideoTokenRequest struct {
	Room string `json:"room" validate:"required,max=64"`
}

type VideoTokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id *auth.Identity)

// authenticated rejects requests without a valid identity with 401.
func (s *Server) authenticated(next identityHandler) http.Handler {
	return auth.Middleware(s.deps.Identities.FromRequest, s.sendError)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		next(w, r, id)
	}))
}

func (s *Server) presenceUpdate(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	ctx := r.Context()
	if r.Method == http.MethodGet {
		online, err := s.deps.Presence.ListOnline(ctx)
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, PresenceResponse{OnlineUserIDs: nonNil(online)})
		return
	}

	var req PresenceUpdateRequest
	if !s.decode(w, r, &req, func() { req.Status = strings.ToLower(req.Status) }) {
		return
	}

	online := req.Status == "online"
	if online {
		newly, err := s.deps.Presence.SetOnline(ctx, id.UserID)
		if err != nil {
			s.sendError(w, err)
			return
		}
		if newly {
			s.markPresence(ctx, id.UserID, true)
		}
	} else {
		if err := s.deps.Presence.SetOffline(ctx, id.UserID); err != nil {
			s.sendError(w, err)
			return
		}
		s.markPresence(ctx, id.UserID, false)
	}

	ids, err := s.deps.Notifier.BroadcastPresence(ctx)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, PresenceResponse{Success: true, OnlineUserIDs: nonNil(ids)})
}

func (s *Server) markPresence(ctx context.Context, userID string, online bool) {
	if err := s.deps.Sessions.MarkPresence(ctx, userID, online); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Failed to mirror presence into sessions")
	}
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	pending, err := s.deps.Notifier.DrainPending(r.Context(), id.UserID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, NotificationsResponse{Notifications: pending})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	sessions, err := s.deps.Sessions.ListSessionsFor(r.Context(), id.UserID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	if !s.hostRoles[id.Role] {
		s.sendError(w, fmt.Errorf("%w: role %s may not start sessions", types.ErrForbidden, id.Role))
		return
	}
	var req CreateSessionRequest
	if !s.decode(w, r, &req, nil) {
		return
	}

	sessionReq := &types.SessionRequest{
		HostID:   id.UserID,
		HostRole: id.Role,
		Type:     req.Type,
		Title:    req.Title,
		ClassID:  req.ClassID,
	}
	for _, p := range req.Participants {
		sessionReq.Participants = append(sessionReq.Participants, &types.Participant{UserID: p.UserID, Role: p.Role})
	}

	session, err := s.deps.Sessions.CreateSession(r.Context(), sessionReq)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, SessionResponse{Session: session})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	session, err := s.participantSession(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: session})
}

// participantSession loads an active session the caller belongs to.
func (s *Server) participantSession(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	session, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of this session", types.ErrForbidden)
	}
	return session, nil
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	s.respondSession(w)(s.deps.Sessions.EndSession(r.Context(), mux.Vars(r)["id"], id.UserID))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	messages, err := s.deps.Sessions.GetMessages(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListMessagesResponse{Messages: messages})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	var req MessageRequest
	if !s.decode(w, r, &req, nil) {
		return
	}
	msg, err := s.deps.Sessions.AddMessage(r.Context(), mux.Vars(r)["id"], id.UserID, req.Content)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, MessageResponse{Message: msg})
}

func (s *Server) raiseHand(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	s.respondSession(w)(s.deps.Sessions.RaiseHand(r.Context(), mux.Vars(r)["id"], id.UserID))
}

func (s *Server) lowerHand(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	s.respondSession(w)(s.deps.Sessions.LowerHand(r.Context(), mux.Vars(r)["id"], id.UserID))
}

func (s *Server) moveParticipant(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	var req MoveRequest
	if !s.decode(w, r, &req, nil) {
		return
	}
	s.respondSession(w)(s.deps.Sessions.MoveParticipant(r.Context(), mux.Vars(r)["id"], req.FromIndex, req.ToIndex, id.UserID))
}

func (s *Server) muteParticipant(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	vars := mux.Vars(r)
	s.respondSession(w)(s.deps.Sessions.ToggleMute(r.Context(), vars["id"], vars["userId"], id.UserID))
}

func (s *Server) spotlightParticipant(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	vars := mux.Vars(r)
	s.respondSession(w)(s.deps.Sessions.ToggleSpotlight(r.Context(), vars["id"], vars["userId"], id.UserID))
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	vars := mux.Vars(r)
	s.respondSession(w)(s.deps.Sessions.RemoveParticipant(r.Context(), vars["id"], vars["userId"], id.UserID))
}

func (s *Server) videoToken(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	var req VideoTokenRequest
	if !s.decode(w, r, &req, nil) {
		return
	}
	if _, err := s.participantSession(r.Context(), req.Room, id.UserID); err != nil {
		s.sendError(w, err)
		return
	}
	if s.deps.Video == nil {
		s.sendError(w, fmt.Errorf("%w: video provider is not configured", types.ErrUpstream))
		return
	}
	token, err := s.deps.Video.Issue(id.UserID, req.Room)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, VideoTokenResponse{Token: token, Identity: id.UserID, Room: req.Room})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	connections := map[string]int{}
	if s.deps.Directory != nil {
		connections = s.deps.Directory.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) respondSession(w http.ResponseWriter) func(*types.Session, error) {
	return func(session *types.Session, err error) {
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, SessionResponse{Session: session})
	}
}

// decode reads a JSON body into v, runs normalize and validates. It writes
// the 400 itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}, normalize func()) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, fmt.Errorf("%w: invalid JSON: %v", types.ErrInvalidInput, err))
		return false
	}
	if normalize != nil {
		normalize()
	}
	if err := protocol.Validator().Struct(v); err != nil {
		s.sendError(w, fmt.Errorf("%w: %v", types.ErrInvalidInput, err))
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := types.StatusCode(err)
	if code >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	} else if errors.Is(err, types.ErrForbidden) {
		log.WithError(err).Warn("Request forbidden")
	}
	s.sendJSON(w, code, ErrorResponse{
		Error:   types.ErrorCode(err),
		Code:    code,
		Message: err.Error(),
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
