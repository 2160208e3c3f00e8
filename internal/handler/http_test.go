package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhall-waitlist/internal/auth"
	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/memstore"
	"github.com/poolhall-waitlist/internal/presence"
	"github.com/poolhall-waitlist/internal/redis"
	"github.com/poolhall-waitlist/internal/service"
	"github.com/poolhall-waitlist/internal/websocket"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type testAPI struct {
	router   http.Handler
	store    *memstore.Store
	sessions *redis.SessionStore
	svc      *service.MatchmakingService
	checks   map[string]Pinger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig()
	cfg.Auth.ProvisioningToken = "provision-me"

	store := memstore.New()
	store.PutUser(domain.User{ID: "boss", Username: "Owner", IsAdmin: true})
	store.PutUser(domain.User{ID: "p1", Username: "Player One"})

	sessions := redis.NewSessionStoreWithClient(client, cfg.Auth.SessionTTL, cfg.Auth.UserCacheTTL, logger)
	authenticator := auth.NewAuthenticator(store, sessions, &cfg.Auth, logger)

	svc := service.NewMatchmakingService(store, presence.NewRegistry(), &cfg.Venue, logger)
	require.NoError(t, svc.InitializeTables(context.Background()))
	svc.AddRecorder(store)
	t.Cleanup(svc.Close)

	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	svc.SetHub(hub)

	checks := map[string]Pinger{"redis": sessions}
	h := NewHandler(svc, hub, authenticator, Options{Events: store, Checks: checks}, logger)

	return &testAPI{router: h.Router(), store: store, sessions: sessions, svc: svc, checks: checks}
}

func (a *testAPI) session(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	token, err := a.sessions.Create(context.Background(), userID)
	require.NoError(t, err)
	return &http.Cookie{Name: "poolhall.sid", Value: token}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, cookie *http.Cookie, header map[string]string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	rec, resp := api.do(t, http.MethodGet, "/health", nil, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = api.do(t, http.MethodGet, "/ready", nil, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	api.checks["postgres"] = pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	rec, resp = api.do(t, http.MethodGet, "/ready", nil, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "postgres unavailable", resp.Error)
}

func TestAuthFlow(t *testing.T) {
	api := newTestAPI(t)
	profile := domain.Profile{ExternalID: "google|7", Username: "Fast Eddie"}

	rec, resp := api.do(t, http.MethodPost, "/api/auth/callback", profile, nil,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)

	rec, resp = api.do(t, http.MethodPost, "/api/auth/callback", profile, nil,
		map[string]string{"Authorization": "Bearer provision-me"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := &http.Cookie{Name: cookies[0].Name, Value: cookies[0].Value}

	rec, resp = api.do(t, http.MethodGet, "/api/auth/me", nil, cookie, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := resp.Data.(map[string]interface{})
	assert.Equal(t, "Fast Eddie", me["username"])
	assert.Equal(t, false, me["is_playing"])

	rec, _ = api.do(t, http.MethodPost, "/api/auth/logout", nil, cookie, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = api.do(t, http.MethodGet, "/api/auth/me", nil, cookie, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not authenticated", resp.Error)
}

func TestQueueAndTableEndpoints(t *testing.T) {
	api := newTestAPI(t)
	cookie := api.session(t, "p1")

	rec, _ := api.do(t, http.MethodPost, "/api/v1/queue/join", nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/queue/join", nil, cookie, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := api.do(t, http.MethodPost, "/api/v1/queue/join", nil, cookie, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already in queue", resp.Error)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/tables/abc/join", nil, cookie, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = api.do(t, http.MethodPost, "/api/v1/tables/99/join", nil, cookie, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/tables/2/join", nil, cookie, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = api.do(t, http.MethodGet, "/api/v1/state", nil, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var state domain.State
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Empty(t, state.Queue)
	require.Len(t, state.Table(2).Players, 1)
	assert.Equal(t, "p1", state.Table(2).Players[0].User.ID)
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, api.svc.JoinTable(ctx, 1, "p1"))

	player := api.session(t, "p1")
	admin := api.session(t, "boss")

	rec, resp := api.do(t, http.MethodPost, "/api/v1/admin/tables/clear", nil, player, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "admin access required", resp.Error)

	rec, _ = api.do(t, http.MethodDelete, "/api/v1/admin/tables/1/players/boss", nil, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = api.do(t, http.MethodDelete, "/api/v1/admin/tables/1/players/p1", nil, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/admin/queue/clear", nil, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = api.do(t, http.MethodPost, "/api/v1/admin/tables/clear", nil, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = api.do(t, http.MethodGet, "/api/v1/admin/events?limit=2", nil, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := resp.Data.([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, string(domain.EventTablesCleared), events[0].(map[string]interface{})["event_type"])

	rec, _ = api.do(t, http.MethodGet, "/api/v1/admin/events?limit=zero", nil, admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketStats(t *testing.T) {
	api := newTestAPI(t)

	rec, resp := api.do(t, http.MethodGet, "/api/v1/ws/stats", nil, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(0), stats["total_connections"])
	assert.Equal(t, float64(0), stats["registered_users"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrNotYourInvite, http.StatusForbidden},
		{domain.ErrTableNotFound, http.StatusNotFound},
		{domain.ErrPlayerNotOnTable, http.StatusNotFound},
		{domain.ErrTableFull, http.StatusConflict},
		{domain.ErrAlreadySeated, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
		{errors.Join(domain.ErrInternalError, io.EOF), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
