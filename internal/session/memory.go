package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Records do not expire; they
// are removed when the connection closes.
type MemoryStore struct {
	serverName string
	sessions   sync.Map // id -> *record
}

type record struct {
	mu sync.Mutex
	s  Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(serverName string) *MemoryStore {
	return &MemoryStore{serverName: serverName}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, sessionID string) error {
	now := time.Now().Unix()
	m.sessions.Store(sessionID, &record{s: Session{
		ID:         sessionID,
		Server:     m.serverName,
		CreatedAt:  now,
		LastActive: now,
	}})
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, nil
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.s
	return &s, nil
}

// SetIdentity implements Store.
func (m *MemoryStore) SetIdentity(_ context.Context, sessionID, identity string) error {
	m.update(sessionID, func(s *Session) { s.Identity = identity })
	return nil
}

// SetRooms implements Store.
func (m *MemoryStore) SetRooms(_ context.Context, sessionID string, rooms []string) error {
	m.update(sessionID, func(s *Session) { s.Rooms = joinRooms(rooms) })
	return nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, sessionID string) error {
	m.update(sessionID, func(*Session) {})
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.sessions.Delete(sessionID)
	return nil
}

func (m *MemoryStore) update(sessionID string, fn func(*Session)) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return
	}
	r := v.(*record)
	r.mu.Lock()
	fn(&r.s)
	r.s.LastActive = time.Now().Unix()
	r.mu.Unlock()
}
