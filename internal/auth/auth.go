// Package auth resolves session tokens to users for HTTP requests and
// websocket upgrades, and provisions users handed over by the identity
// provider.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
)

// UserStore is the durable source of users
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUserByExternalID(ctx context.Context, p domain.Profile) (*domain.User, error)
}

// SessionStore maps session tokens to user ids and caches user identities
type SessionStore interface {
	Create(ctx context.Context, userID string) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
	Delete(ctx context.Context, token string) error
	CacheUser(ctx context.Context, user *domain.User) error
	CachedUser(ctx context.Context, userID string) (*domain.User, error)
	InvalidateUser(ctx context.Context, userID string) error
}

// SessionQueryParam carries the session token on websocket upgrades from
// clients that cannot send cookies.
const SessionQueryParam = "session"

// Authenticator resolves requests to users
type Authenticator struct {
	users    UserStore
	sessions SessionStore
	config   *config.AuthConfig
	logger   *slog.Logger
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(users UserStore, sessions SessionStore, cfg *config.AuthConfig, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		users:    users,
		sessions: sessions,
		config:   cfg,
		logger:   logger,
	}
}

// Required reports whether unauthenticated websocket clients are refused
func (a *Authenticator) Required() bool {
	return a.config.Required
}

// Token extracts the session token from the cookie or the query string
func (a *Authenticator) Token(r *http.Request) string {
	if c, err := r.Cookie(a.config.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(SessionQueryParam)
}

// AuthenticateRequest resolves the session attached to r
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*domain.User, error) {
	return a.Authenticate(r.Context(), a.Token(r))
}

// Authenticate resolves token to a user, consulting the cache before the
// user store.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	userID, err := a.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	if user, err := a.sessions.CachedUser(ctx, userID); err == nil {
		return user, nil
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		a.logger.Warn("user cache unavailable", "user_id", userID, "error", err)
	}

	user, err := a.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		// Session outlived its user.
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}
	if err := a.sessions.CacheUser(ctx, user); err != nil {
		a.logger.Warn("failed to cache user", "user_id", userID, "error", err)
	}
	return user, nil
}

// Provision finds or creates the user for an identity-provider profile and
// opens a session for them. bearer must match the configured provisioning
// token; provisioning is disabled when none is configured.
func (a *Authenticator) Provision(ctx context.Context, bearer string, p domain.Profile) (*domain.User, string, error) {
	expected := a.config.ProvisioningToken
	if expected == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(expected)) != 1 {
		return nil, "", domain.ErrUnauthorized
	}
	if strings.TrimSpace(p.ExternalID) == "" || strings.TrimSpace(p.Username) == "" {
		return nil, "", domain.ErrInvalidRequest
	}

	user, err := a.users.UpsertUserByExternalID(ctx, p)
	if err != nil {
		return nil, "", fmt.Errorf("provisioning user: %w", err)
	}
	if err := a.sessions.InvalidateUser(ctx, user.ID); err != nil {
		a.logger.Warn("failed to invalidate cached user", "user_id", user.ID, "error", err)
	}

	token, err := a.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}

	a.logger.Info("user provisioned", "user_id", user.ID, "external_id", p.ExternalID)
	return user, token, nil
}

// Logout ends the session behind token
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return a.sessions.Delete(ctx, token)
}

// SetSessionCookie attaches token to the response
func (a *Authenticator) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.config.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.config.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie
func (a *Authenticator) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.config.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.config.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// BearerToken returns the token of an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
