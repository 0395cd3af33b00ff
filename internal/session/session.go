// Package session keeps per-connection session records: which identity a
// connection is bound to, which server instance holds it and which rooms it
// has joined. Records live in Redis when several servers share state, or in
// process memory otherwise.
package session

import (
	"context"
	"strings"
	"time"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session records.
	SessionTTL = 1 * time.Hour
)

// Session represents one connection's session state.
type Session struct {
	ID         string `redis:"id"`
	Identity   string `redis:"identity"`    // empty until hello
	Server     string `redis:"server"`      // which WS server instance
	Rooms      string `redis:"rooms"`       // comma-separated, sorted
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// RoomList returns the joined rooms.
func (s *Session) RoomList() []string {
	if s.Rooms == "" {
		return nil
	}
	return strings.Split(s.Rooms, ",")
}

// Store persists sessions. Get returns nil, nil for unknown sessions.
type Store interface {
	Create(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	SetIdentity(ctx context.Context, sessionID, identity string) error
	SetRooms(ctx context.Context, sessionID string, rooms []string) error
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}
