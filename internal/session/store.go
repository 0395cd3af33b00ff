package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore manages session state in Redis.
type RedisStore struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewRedisStore creates a session store on an existing Redis client.
func NewRedisStore(client *redis.Client, serverName string) *RedisStore {
	return &RedisStore{client: client, serverName: serverName}
}

// Create stores a new unbound session with a 1h TTL.
func (s *RedisStore) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"identity":    "",
		"server":      s.serverName,
		"rooms":       "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetIdentity binds the session to an identity.
func (s *RedisStore) SetIdentity(ctx context.Context, sessionID, identity string) error {
	return s.set(ctx, sessionID, "identity", identity)
}

// SetRooms records the joined rooms.
func (s *RedisStore) SetRooms(ctx context.Context, sessionID string, rooms []string) error {
	return s.set(ctx, sessionID, "rooms", joinRooms(rooms))
}

// Touch refreshes last_active and the TTL.
func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

func (s *RedisStore) set(ctx context.Context, sessionID, field, value string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, field, value, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set %s: %w", field, err)
	}
	return nil
}

func joinRooms(rooms []string) string {
	sorted := append([]string(nil), rooms...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
