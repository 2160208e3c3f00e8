package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
)

// SessionStore keeps login sessions and a short-lived user cache in Redis
type SessionStore struct {
	client     *redis.Client
	sessionTTL time.Duration
	userTTL    time.Duration
	logger     *slog.Logger
}

// NewSessionStore connects to Redis and returns a session store
func NewSessionStore(cfg *config.RedisConfig, auth *config.AuthConfig, logger *slog.Logger) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewSessionStoreWithClient(client, auth.SessionTTL, auth.UserCacheTTL, logger), nil
}

// NewSessionStoreWithClient wraps an existing client
func NewSessionStoreWithClient(client *redis.Client, sessionTTL, userTTL time.Duration, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		client:     client,
		sessionTTL: sessionTTL,
		userTTL:    userTTL,
		logger:     logger,
	}
}

// Close closes the Redis connection
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

func (s *SessionStore) userInfoKey(userID string) string {
	return fmt.Sprintf("user:%s:info", userID)
}

// Create opens a session for userID and returns its token
func (s *SessionStore) Create(ctx context.Context, userID string) (string, error) {
	token := uuid.New().String()
	if err := s.client.Set(ctx, s.sessionKey(token), userID, s.sessionTTL).Err(); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return token, nil
}

// Resolve returns the user behind token and slides the session's expiry
func (s *SessionStore) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}
	key := s.sessionKey(token)

	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pipe.Expire(ctx, key, s.sessionTTL)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}

	userID, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}
	return userID, nil
}

// Delete ends a session. Deleting an unknown token is not an error.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CacheUser stores the identity fields of user for the cache TTL
func (s *SessionStore) CacheUser(ctx context.Context, user *domain.User) error {
	key := s.userInfoKey(user.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"id", user.ID,
		"external_id", user.ExternalID,
		"username", user.Username,
		"email", user.Email,
		"photo_url", user.PhotoURL,
		"is_admin", strconv.FormatBool(user.IsAdmin),
	)
	pipe.Expire(ctx, key, s.userTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching user: %w", err)
	}
	return nil
}

// CachedUser returns the cached identity of userID or ErrUserNotFound on a
// miss. The playing flag is not cached.
func (s *SessionStore) CachedUser(ctx context.Context, userID string) (*domain.User, error) {
	result, err := s.client.HGetAll(ctx, s.userInfoKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting cached user: %w", err)
	}
	if len(result) == 0 {
		return nil, domain.ErrUserNotFound
	}

	isAdmin, _ := strconv.ParseBool(result["is_admin"])
	return &domain.User{
		ID:         result["id"],
		ExternalID: result["external_id"],
		Username:   result["username"],
		Email:      result["email"],
		PhotoURL:   result["photo_url"],
		IsAdmin:    isAdmin,
	}, nil
}

// InvalidateUser drops the cached identity of userID
func (s *SessionStore) InvalidateUser(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.userInfoKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidating cached user: %w", err)
	}
	return nil
}
