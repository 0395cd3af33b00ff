package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each room has its own lock; a room
// whose last entry leaves is removed from the map.
type MemoryStore struct {
	rooms sync.Map // room -> *roomEntries
}

type roomEntries struct {
	mu      sync.Mutex
	dead    bool // removed from the map; callers must reload
	entries map[string]*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// lockRoom returns the live room locked. With create=false it returns nil
// for unknown rooms.
func (s *MemoryStore) lockRoom(room string, create bool) *roomEntries {
	for {
		v, ok := s.rooms.Load(room)
		if !ok {
			if !create {
				return nil
			}
			v, _ = s.rooms.LoadOrStore(room, &roomEntries{entries: make(map[string]*Entry)})
		}
		r := v.(*roomEntries)
		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

// evictIfEmpty must be called with r locked.
func (s *MemoryStore) evictIfEmpty(room string, r *roomEntries) {
	if len(r.entries) == 0 {
		r.dead = true
		s.rooms.CompareAndDelete(room, r)
	}
}

// Join implements Store.
func (s *MemoryStore) Join(_ context.Context, room, identity string, now time.Time) (bool, error) {
	r := s.lockRoom(room, true)
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		r.entries[identity] = &Entry{
			Identity:    identity,
			Room:        room,
			ConnectedAt: now,
			LastSeenAt:  now,
			Connections: 1,
		}
		return true, nil
	}
	e.Connections++
	if now.After(e.LastSeenAt) {
		e.LastSeenAt = now
	}
	return false, nil
}

// Leave implements Store.
func (s *MemoryStore) Leave(_ context.Context, room, identity string) (bool, error) {
	r := s.lockRoom(room, false)
	if r == nil {
		return false, nil
	}
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		return false, nil
	}
	e.Connections--
	if e.Connections > 0 {
		return false, nil
	}
	delete(r.entries, identity)
	s.evictIfEmpty(room, r)
	return true, nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(_ context.Context, room, identity string, now time.Time) (bool, error) {
	r := s.lockRoom(room, true)
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok {
		r.entries[identity] = &Entry{
			Identity:    identity,
			Room:        room,
			ConnectedAt: now,
			LastSeenAt:  now,
			Connections: 1,
		}
		return true, nil
	}
	if now.After(e.LastSeenAt) {
		e.LastSeenAt = now
	}
	return false, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, room string) ([]Entry, error) {
	r := s.lockRoom(room, false)
	if r == nil {
		return []Entry{}, nil
	}
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out, nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(_ context.Context, cutoff time.Time) ([]Entry, error) {
	var rooms []string
	s.rooms.Range(func(k, _ any) bool {
		rooms = append(rooms, k.(string))
		return true
	})

	var out []Entry
	for _, room := range rooms {
		r := s.lockRoom(room, false)
		if r == nil {
			continue
		}
		for id, e := range r.entries {
			if !e.LastSeenAt.After(cutoff) {
				out = append(out, *e)
				delete(r.entries, id)
			}
		}
		s.evictIfEmpty(room, r)
		r.mu.Unlock()
	}
	return out, nil
}

// roomCount returns the number of live rooms.
func (s *MemoryStore) roomCount() int {
	n := 0
	s.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
