package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/pixellumo/lumoverse/internal/chat"
)

const roomKeyPrefix = "room:"

// PebbleStore persists room snapshots in a local Pebble database so a
// restarted client can render rooms before the channel reconnects.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the cache database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cache: mkdir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save implements Persister.
func (s *PebbleStore) Save(room string, msgs []chat.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("cache: marshal room %s: %w", room, err)
	}
	if err := s.db.Set([]byte(roomKeyPrefix+room), data, pebble.Sync); err != nil {
		return fmt.Errorf("cache: save room %s: %w", room, err)
	}
	return nil
}

// Delete implements Persister.
func (s *PebbleStore) Delete(room string) error {
	if err := s.db.Delete([]byte(roomKeyPrefix+room), pebble.Sync); err != nil {
		return fmt.Errorf("cache: delete room %s: %w", room, err)
	}
	return nil
}

// LoadAll implements Persister. Undecodable rooms are skipped.
func (s *PebbleStore) LoadAll() (map[string][]chat.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("cache: iter: %w", err)
	}
	defer iter.Close()

	prefix := []byte(roomKeyPrefix)
	out := make(map[string][]chat.Message)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		var msgs []chat.Message
		if err := json.Unmarshal(iter.Value(), &msgs); err != nil {
			continue
		}
		out[string(k[len(prefix):])] = msgs
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("cache: iter: %w", err)
	}
	return out, nil
}
