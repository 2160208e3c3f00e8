package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhall-waitlist/internal/domain"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSessionStoreWithClient(client, time.Hour, 10*time.Minute, logger), mr
}

func TestSession_CreateResolveDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, mr.Exists("session:"+token))

	userID, err := store.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	require.NoError(t, store.Delete(ctx, token))
	_, err = store.Resolve(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, store.Delete(ctx, "never-existed"))
}

func TestSession_UnknownOrEmptyToken(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Resolve(ctx, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = store.Resolve(ctx, "bogus")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, store.client.Exists(ctx, "session:bogus").Val() > 0, "resolving must not create keys")
}

func TestSession_SlidingExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, "user-1")
	require.NoError(t, err)

	mr.FastForward(45 * time.Minute)
	_, err = store.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("session:"+token))

	mr.FastForward(45 * time.Minute)
	_, err = store.Resolve(ctx, token)
	require.NoError(t, err, "resolve refreshes the TTL")

	mr.FastForward(2 * time.Hour)
	_, err = store.Resolve(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestUserCache(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.CachedUser(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	user := &domain.User{
		ID:         "user-1",
		ExternalID: "oauth|42",
		Username:   "Minnesota Fats",
		Email:      "fats@example.com",
		IsAdmin:    true,
		IsPlaying:  true,
	}
	require.NoError(t, store.CacheUser(ctx, user))
	assert.Equal(t, 10*time.Minute, mr.TTL("user:user-1:info"))

	cached, err := store.CachedUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Minnesota Fats", cached.Username)
	assert.Equal(t, "oauth|42", cached.ExternalID)
	assert.True(t, cached.IsAdmin)
	assert.False(t, cached.IsPlaying, "playing flag is never served from cache")

	require.NoError(t, store.InvalidateUser(ctx, "user-1"))
	_, err = store.CachedUser(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, store.CacheUser(ctx, user))
	mr.FastForward(11 * time.Minute)
	_, err = store.CachedUser(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
