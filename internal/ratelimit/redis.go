package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each window as a sorted set of accepted-event timestamps
// (milliseconds). Prune, count and record run inside one Lua script so the
// check-and-record step stays atomic across server instances.
type RedisStore struct {
	client    *redis.Client
	hitScript *redis.Script
}

// NewRedisStore creates a RedisStore backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		hitScript: redis.NewScript(slidingHitLua),
	}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (bool, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := s.hitScript.Run(ctx, s.client, []string{key},
		cutoff, limit, nowMs, member, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: hit %s: %w", key, err)
	}
	return res == 1, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	cutoff := now.UnixMilli() - window.Milliseconds()
	n, err := s.client.ZCount(ctx, key, fmt.Sprintf("(%d", cutoff), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count %s: %w", key, err)
	}
	return int(n), nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", key, err)
	}
	return nil
}

// slidingHitLua prunes expired entries, and records the new event only when
// the window still has room. Returns 1 when accepted, 0 when limited.
//
//	KEYS[1] window key
//	ARGV    cutoff_ms, limit, now_ms, member, window_ms
const slidingHitLua = `
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[2]) then
    return 0
end
redis.call('ZADD', key, ARGV[3], ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return 1
`
