package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each key owns its own lock, so hits for
// different identities never contend. A key is dropped as soon as its window
// holds no events; Sweep drops keys that are no longer hit at all.
type MemoryStore struct {
	windows sync.Map // key -> *window
}

type window struct {
	mu     sync.Mutex
	dead   bool // removed from the map; callers must reload
	span   time.Duration
	events []time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// lock returns the live window of key, locked. With create false it returns
// nil for unknown keys.
func (s *MemoryStore) lock(key string, create bool) *window {
	for {
		v, ok := s.windows.Load(key)
		if !ok {
			if !create {
				return nil
			}
			v, _ = s.windows.LoadOrStore(key, &window{})
		}
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// prune drops events at or before cutoff. Caller holds w.mu.
func (w *window) prune(cutoff time.Time) {
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept
}

// evictIfEmpty must be called with w locked.
func (s *MemoryStore) evictIfEmpty(key string, w *window) {
	if len(w.events) == 0 {
		w.dead = true
		s.windows.CompareAndDelete(key, w)
	}
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, limit int, window time.Duration) (bool, error) {
	w := s.lock(key, true)
	defer w.mu.Unlock()

	w.span = window
	w.prune(now.Add(-window))
	if len(w.events) >= limit {
		s.evictIfEmpty(key, w)
		return false, nil
	}
	w.events = append(w.events, now)
	return true, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	w := s.lock(key, false)
	if w == nil {
		return 0, nil
	}
	defer w.mu.Unlock()

	w.prune(now.Add(-window))
	n := len(w.events)
	s.evictIfEmpty(key, w)
	return n, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	w := s.lock(key, false)
	if w == nil {
		return nil
	}
	w.events = nil
	s.evictIfEmpty(key, w)
	w.mu.Unlock()
	return nil
}

// Sweep prunes every key against the window it was last hit with and drops
// the keys left empty. It returns the number of keys dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	dropped := 0
	s.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			w.prune(now.Add(-w.span))
			if len(w.events) == 0 {
				s.evictIfEmpty(k.(string), w)
				dropped++
			}
		}
		w.mu.Unlock()
		return true
	})
	return dropped
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.windows.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ratelimit] sweeper stopped")
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				log.Printf("[ratelimit] sweep: dropped %d idle keys", n)
			}
		}
	}
}
