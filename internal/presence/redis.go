package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout, per room:
//
//	presence:<room>:conns  HASH identity -> connection count
//	presence:<room>:seen   ZSET identity scored by last-seen unix ms
//	presence:<room>:since  HASH identity -> connected-at unix ms
//	presence:rooms         SET of rooms with at least one entry
const (
	Prefix   = "presence:"
	RoomsKey = "presence:rooms"
)

func roomKeys(room string) []string {
	base := Prefix + room
	return []string{base + ":conns", base + ":seen", base + ":since", RoomsKey}
}

// joinScript adds one connection. Returns the new connection count.
var joinScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
local seen = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not seen or tonumber(seen) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
if n == 1 then
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
redis.call('SADD', KEYS[4], ARGV[3])
return n
`)

// leaveScript removes one connection. Returns -1 if the identity was absent,
// otherwise the remaining count (0 = entry removed).
var leaveScript = redis.NewScript(`
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if n <= 0 then
	return -1
end
n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n > 0 then
	return n
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[4], ARGV[2])
end
return 0
`)

// touchScript stamps the last-seen time, re-adding an absent identity with
// one connection. Returns 1 when the identity was added.
var touchScript = redis.NewScript(`
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if n > 0 then
	redis.call('ZADD', KEYS[2], 'GT', ARGV[2], ARGV[1])
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], 1)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[3])
return 1
`)

// expireScript removes entries last seen at or before ARGV[1] and returns
// their identities.
var expireScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('HDEL', KEYS[1], id)
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
end
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[4], ARGV[2])
end
return ids
`)

// RedisStore is a Store shared by every server instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Join implements Store.
func (s *RedisStore) Join(ctx context.Context, room, identity string, now time.Time) (bool, error) {
	n, err := joinScript.Run(ctx, s.client, roomKeys(room), identity, now.UnixMilli(), room).Int()
	if err != nil {
		return false, fmt.Errorf("presence: join: %w", err)
	}
	return n == 1, nil
}

// Leave implements Store.
func (s *RedisStore) Leave(ctx context.Context, room, identity string) (bool, error) {
	n, err := leaveScript.Run(ctx, s.client, roomKeys(room), identity, room).Int()
	if err != nil {
		return false, fmt.Errorf("presence: leave: %w", err)
	}
	return n == 0, nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, room, identity string, now time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, s.client, roomKeys(room), identity, now.UnixMilli(), room).Int()
	if err != nil {
		return false, fmt.Errorf("presence: touch: %w", err)
	}
	return n == 1, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, room string) ([]Entry, error) {
	keys := roomKeys(room)

	pipe := s.client.Pipeline()
	connsCmd := pipe.HGetAll(ctx, keys[0])
	seenCmd := pipe.ZRangeWithScores(ctx, keys[1], 0, -1)
	sinceCmd := pipe.HGetAll(ctx, keys[2])
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: list: %w", err)
	}

	conns := connsCmd.Val()
	since := sinceCmd.Val()
	out := make([]Entry, 0, len(conns))
	for _, z := range seenCmd.Val() {
		id, _ := z.Member.(string)
		n, _ := strconv.Atoi(conns[id])
		if n <= 0 {
			continue
		}
		connected, _ := strconv.ParseInt(since[id], 10, 64)
		out = append(out, Entry{
			Identity:    id,
			Room:        room,
			ConnectedAt: time.UnixMilli(connected),
			LastSeenAt:  time.UnixMilli(int64(z.Score)),
			Connections: n,
		})
	}
	return out, nil
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rooms, err := s.client.SMembers(ctx, RoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: expire rooms: %w", err)
	}

	var out []Entry
	for _, room := range rooms {
		ids, err := expireScript.Run(ctx, s.client, roomKeys(room), cutoff.UnixMilli(), room).StringSlice()
		if err != nil {
			return out, fmt.Errorf("presence: expire %s: %w", room, err)
		}
		for _, id := range ids {
			out = append(out, Entry{Identity: id, Room: room})
		}
	}
	return out, nil
}
