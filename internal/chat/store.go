package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	SeqPrefix = "chat:seq:" // room -> last assigned message id
	LogPrefix = "chat:log:" // room -> sorted set of JSON messages scored by id
)

// Store is a Redis-backed HistoryStore shared by every server instance.
// Message ids come from INCR on the room sequence so they stay unique and
// increasing across instances.
type Store struct {
	rdb       *redis.Client
	retention int
}

// NewStore creates a new history store backed by Redis.
func NewStore(rdb *redis.Client, retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{rdb: rdb, retention: retention}
}

// Append assigns the next room id to msg and stores it, trimming the log to
// the retention size.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	id, err := s.rdb.Incr(ctx, SeqPrefix+msg.Room).Result()
	if err != nil {
		return Message{}, fmt.Errorf("chat: append incr: %w", err)
	}
	msg.ID = id

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("chat: append marshal: %w", err)
	}

	key := LogPrefix + msg.Room
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(id), Member: data})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.retention-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("chat: append: %w", err)
	}
	return msg, nil
}

// History returns up to limit of the most recent messages, oldest first.
func (s *Store) History(ctx context.Context, room string, limit int) ([]Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.rdb.ZRevRange(ctx, LogPrefix+room, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}

	out := make([]Message, len(raw))
	for i, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("chat: history decode: %w", err)
		}
		out[len(raw)-1-i] = m
	}
	return out, nil
}

// Get returns one message by id.
func (s *Store) Get(ctx context.Context, room string, id int64) (Message, error) {
	return s.get(ctx, s.rdb, room, id)
}

type zrangeCmdable interface {
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

func (s *Store) get(ctx context.Context, c zrangeCmdable, room string, id int64) (Message, error) {
	score := strconv.FormatInt(id, 10)
	raw, err := c.ZRangeByScore(ctx, LogPrefix+room, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return Message{}, fmt.Errorf("chat: get: %w", err)
	}
	if len(raw) == 0 {
		return Message{}, ErrMessageNotFound
	}
	var m Message
	if err := json.Unmarshal([]byte(raw[0]), &m); err != nil {
		return Message{}, fmt.Errorf("chat: get decode: %w", err)
	}
	return m, nil
}

// Update applies fn to a stored message inside a WATCH transaction on the
// room log, retrying when a concurrent writer touched the log first.
func (s *Store) Update(ctx context.Context, room string, id int64, fn func(*Message) error) (Message, error) {
	key := LogPrefix + room
	score := strconv.FormatInt(id, 10)

	var updated Message
	txf := func(tx *redis.Tx) error {
		m, err := s.get(ctx, tx, room, id)
		if err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("chat: update marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(id), Member: data})
			return nil
		})
		if err == nil {
			updated = m
		}
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Message{}, err
		}
		return updated, nil
	}
	return Message{}, fmt.Errorf("chat: update %s: too much contention", key)
}
