package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/poolhall-waitlist/internal/auth"
	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/service"
	"github.com/poolhall-waitlist/internal/websocket"
)

// EventLog lists recorded matchmaking events
type EventLog interface {
	RecentEvents(ctx context.Context, limit int) ([]domain.MatchEvent, error)
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the waitlist API
type Handler struct {
	service       *service.MatchmakingService
	hub           *websocket.Hub
	auth          *auth.Authenticator
	events        EventLog
	checks        map[string]Pinger
	allowedOrigin string
	logger        *slog.Logger
}

// Options carries the optional collaborators of a Handler
type Options struct {
	Events        EventLog
	Checks        map[string]Pinger
	AllowedOrigin string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	service *service.MatchmakingService,
	hub *websocket.Hub,
	authenticator *auth.Authenticator,
	opts Options,
	logger *slog.Logger,
) *Handler {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &Handler{
		service:       service,
		hub:           hub,
		auth:          authenticator,
		events:        opts.Events,
		checks:        opts.Checks,
		allowedOrigin: opts.AllowedOrigin,
		logger:        logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/callback", h.AuthCallback)
		r.Post("/logout", h.Logout)
		r.With(h.requireUser).Get("/me", h.Me)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/ws/stats", h.GetWebSocketStats)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)
			r.Post("/queue/join", h.JoinQueue)
			r.Post("/tables/{tableID}/join", h.JoinTable)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireUser)
			r.Use(h.requireAdmin)
			r.Post("/queue/clear", h.ClearQueue)
			r.Post("/tables/clear", h.ClearTables)
			r.Delete("/tables/{tableID}/players/{userID}", h.RemovePlayer)
			r.Get("/events", h.RecentEvents)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		if h.allowedOrigin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireUser rejects requests without a valid session
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.auth.AuthenticateRequest(r)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// requireAdmin rejects session users without the admin flag
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
			return
		}
		if !user.IsAdmin {
			h.writeError(w, http.StatusForbidden, domain.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   domain.PublicMessage(err),
	})
}

// writeDomainError maps err to its status code
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInternalError):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrIdentityMismatch),
		errors.Is(err, domain.ErrNotYourInvite),
		errors.Is(err, domain.ErrNotOnTable):
		return http.StatusForbidden
	case domain.IsNotFoundError(err), errors.Is(err, domain.ErrPlayerNotOnTable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadySeated),
		errors.Is(err, domain.ErrAlreadyQueued),
		errors.Is(err, domain.ErrTableFull),
		errors.Is(err, domain.ErrNoOpponent),
		errors.Is(err, domain.ErrOpponentUnreachable),
		errors.Is(err, domain.ErrWinNotConfirmed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func tableIDParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "tableID"))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidRequest
	}
	return id, nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := websocket.Options{AllowedOrigin: h.allowedOrigin}
	if h.auth != nil {
		opts.Authenticate = h.auth.AuthenticateRequest
		opts.Required = h.auth.Required()
	}
	websocket.ServeWs(h.hub, h.service, opts, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.TotalConnections(),
		"registered_users":  h.service.ConnectedUsers(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once every dependency answers a ping
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
				Success: false,
				Error:   name + " unavailable",
			})
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// AuthCallback provisions the user described by the identity provider and
// starts a session for them.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	var profile domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	user, token, err := h.auth.Provision(r.Context(), auth.BearerToken(r), profile)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.auth.SetSessionCookie(w, token)
	h.writeSuccess(w, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

// Me returns the session user
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.UserFromContext(r.Context())
	user, err := h.service.User(r.Context(), session.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, user)
}

// Logout ends the current session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), h.auth.Token(r)); err != nil {
		h.logger.Error("failed to delete session", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.auth.ClearSessionCookie(w)
	h.writeSuccess(w, map[string]string{"status": "logged out"})
}

// GetState returns the queue and tables
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.State(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, state)
}

// JoinQueue puts the session user at the tail of the queue
func (h *Handler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := h.service.JoinQueue(r.Context(), user.ID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "queued"})
}

// JoinTable seats the session user at a table directly
func (h *Handler) JoinTable(w http.ResponseWriter, r *http.Request) {
	tableID, err := tableIDParam(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	user, _ := auth.UserFromContext(r.Context())
	if err := h.service.JoinTable(r.Context(), tableID, user.ID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"status": "seated", "table_id": tableID})
}

// ClearQueue empties the queue
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearQueue(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "cleared"})
}

// ClearTables unseats every player
func (h *Handler) ClearTables(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearTables(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "cleared"})
}

// RemovePlayer unseats a player from a table
func (h *Handler) RemovePlayer(w http.ResponseWriter, r *http.Request) {
	tableID, err := tableIDParam(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := h.service.RemovePlayer(r.Context(), tableID, userID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"status": "removed", "table_id": tableID, "user_id": userID})
}

// RecentEvents returns the latest matchmaking events
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeSuccess(w, []domain.MatchEvent{})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		if parsed < 500 {
			limit = parsed
		} else {
			limit = 500
		}
	}

	events, err := h.events.RecentEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, events)
}
