package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/memstore"
	"github.com/poolhall-waitlist/internal/redis"
)

type fixture struct {
	auth     *Authenticator
	users    *memstore.Store
	sessions *redis.SessionStore
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig().Auth
	cfg.ProvisioningToken = "s3cret"

	sessions := redis.NewSessionStoreWithClient(client, cfg.SessionTTL, cfg.UserCacheTTL, logger)
	users := memstore.New()
	return &fixture{
		auth:     NewAuthenticator(users, sessions, &cfg, logger),
		users:    users,
		sessions: sessions,
		mr:       mr,
	}
}

func TestProvisionAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile := domain.Profile{ExternalID: "google|1", Username: "Fast Eddie", Email: "eddie@example.com"}

	user, token, err := f.auth.Provision(ctx, "s3cret", profile)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, "Fast Eddie", user.Username)

	got, err := f.auth.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.True(t, f.mr.Exists("user:"+user.ID+":info"), "first lookup fills the cache")

	// Same external id maps to the same user.
	profile.Username = "Eddie Felson"
	again, _, err := f.auth.Provision(ctx, "s3cret", profile)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.False(t, f.mr.Exists("user:"+user.ID+":info"), "re-provisioning drops the stale cache entry")

	got, err = f.auth.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "Eddie Felson", got.Username)
}

func TestProvision_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.auth.Provision(ctx, "wrong", domain.Profile{ExternalID: "x", Username: "x"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, _, err = f.auth.Provision(ctx, "s3cret", domain.Profile{Username: "nobody"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	f.auth.config.ProvisioningToken = ""
	_, _, err = f.auth.Provision(ctx, "", domain.Profile{ExternalID: "x", Username: "x"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "provisioning is off without a configured token")
}

func TestAuthenticate_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Authenticate(ctx, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.auth.Authenticate(ctx, "not-a-session")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// A session whose user vanished is treated as logged out.
	token, err := f.sessions.Create(ctx, "deleted-user")
	require.NoError(t, err)
	_, err = f.auth.Authenticate(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, token, err := f.auth.Provision(ctx, "s3cret", domain.Profile{ExternalID: "e|1", Username: "Vincent"})
	require.NoError(t, err)

	require.NoError(t, f.auth.Logout(ctx, token))
	_, err = f.auth.Authenticate(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	require.NoError(t, f.auth.Logout(ctx, ""))
}

func TestToken_CookieThenQuery(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/ws?session=from-query", nil)
	assert.Equal(t, "from-query", f.auth.Token(r))

	r.AddCookie(&http.Cookie{Name: f.auth.config.SessionCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", f.auth.Token(r))

	assert.Empty(t, f.auth.Token(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}

func TestSessionCookie(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.auth.SetSessionCookie(rec, "tok")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "poolhall.sid", cookies[0].Name)
	assert.Equal(t, "tok", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, int((24 * time.Hour).Seconds()), cookies[0].MaxAge)

	rec = httptest.NewRecorder()
	f.auth.ClearSessionCookie(rec)
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/auth/callback", nil)
	assert.Empty(t, BearerToken(r))
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", BearerToken(r))
	r.Header.Set("Authorization", "Basic abc123")
	assert.Empty(t, BearerToken(r))
}

func TestUserContext(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithUser(context.Background(), &domain.User{ID: "u1"})
	user, ok := UserFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", user.ID)
}
