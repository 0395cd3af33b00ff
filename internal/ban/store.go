// Package ban provides the Redis-backed spam score and ban stores of the
// moderation ledger, shared by every server and the moderator:
//
//	score:<identity>     integer, INCRBY
//	ban:<identity>       JSON ban record, TTL = remaining ban time (none if permanent)
//	offenses:<identity>  integer, 24h TTL set on first offense
//	warnings:<identity>  list of JSON warnings
package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixellumo/lumoverse/internal/moderation"
)

const (
	ScorePrefix    = "score:"
	BanPrefix      = "ban:"
	OffensesPrefix = "offenses:"
	WarningsPrefix = "warnings:"
)

// ScoreStore implements moderation.ScoreStore on Redis.
type ScoreStore struct {
	client *redis.Client
}

// Store implements moderation.BanStore on Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

var (
	_ moderation.ScoreStore = (*ScoreStore)(nil)
	_ moderation.BanStore   = (*Store)(nil)
)

// NewScoreStore creates a spam score store using the provided Redis client.
func NewScoreStore(client *redis.Client) *ScoreStore {
	return &ScoreStore{client: client}
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Add increments identity's spam score atomically.
func (s *ScoreStore) Add(ctx context.Context, identity string, points int) (int, error) {
	n, err := s.client.IncrBy(ctx, ScorePrefix+identity, int64(points)).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: score incr: %w", err)
	}
	return int(n), nil
}

// Get returns identity's spam score, 0 if none was recorded.
func (s *ScoreStore) Get(ctx context.Context, identity string) (int, error) {
	n, err := s.client.Get(ctx, ScorePrefix+identity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: score get: %w", err)
	}
	return n, nil
}

// Reset deletes identity's spam score.
func (s *ScoreStore) Reset(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, ScorePrefix+identity).Err(); err != nil {
		return fmt.Errorf("ban: score reset: %w", err)
	}
	return nil
}

// Ban stores b. Timed bans expire through the key TTL.
func (s *Store) Ban(ctx context.Context, b moderation.Ban) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("ban: marshal: %w", err)
	}

	var ttl time.Duration
	if !b.Permanent() {
		ttl = b.Remaining(s.now())
		if ttl <= 0 {
			return nil // already expired
		}
	}
	if err := s.client.Set(ctx, BanPrefix+b.Identity, data, ttl).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Get returns identity's ban record.
func (s *Store) Get(ctx context.Context, identity string) (moderation.Ban, bool, error) {
	raw, err := s.client.Get(ctx, BanPrefix+identity).Bytes()
	if errors.Is(err, redis.Nil) {
		return moderation.Ban{}, false, nil
	}
	if err != nil {
		return moderation.Ban{}, false, fmt.Errorf("ban: get: %w", err)
	}
	var b moderation.Ban
	if err := json.Unmarshal(raw, &b); err != nil {
		return moderation.Ban{}, false, fmt.Errorf("ban: decode: %w", err)
	}
	return b, true, nil
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, BanPrefix+identity).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// GetOffenseCount returns the current offense counter for identity.
// Returns 0 if the key does not exist (no offenses recorded or counter expired).
func (s *Store) GetOffenseCount(ctx context.Context, identity string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+identity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// IncrOffenses increments the offense counter. The counter has a TTL that is
// set on first increment, so the window does not slide and counters expire
// if there is no new activity.
func (s *Store) IncrOffenses(ctx context.Context, identity string) (int, error) {
	key := OffensesPrefix + identity

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: offenses incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, moderation.OffenseTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: offenses expire: %w", err)
		}
	}
	return int(count), nil
}

// AddWarning appends w to the identity's warning list.
func (s *Store) AddWarning(ctx context.Context, w moderation.Warning) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("ban: marshal warning: %w", err)
	}
	if err := s.client.RPush(ctx, WarningsPrefix+w.Identity, data).Err(); err != nil {
		return fmt.Errorf("ban: add warning: %w", err)
	}
	return nil
}

// Warnings returns identity's warnings, oldest first.
func (s *Store) Warnings(ctx context.Context, identity string) ([]moderation.Warning, error) {
	raw, err := s.client.LRange(ctx, WarningsPrefix+identity, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ban: warnings: %w", err)
	}
	out := make([]moderation.Warning, 0, len(raw))
	for _, r := range raw {
		var w moderation.Warning
		if err := json.Unmarshal([]byte(r), &w); err != nil {
			return nil, fmt.Errorf("ban: decode warning: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}
