package chat

import (
	"context"
	"errors"
	"sync"
)

// DefaultRetention is the number of recent messages a room history keeps.
const DefaultRetention = 500

// ErrMessageNotFound is returned by history stores for unknown message ids.
var ErrMessageNotFound = errors.New("chat: message not found")

// HistoryStore is the server-side source of truth for room messages. Append
// assigns the next id of the room; ids within a room strictly increase.
type HistoryStore interface {
	Append(ctx context.Context, msg Message) (Message, error)
	History(ctx context.Context, room string, limit int) ([]Message, error)
	Get(ctx context.Context, room string, id int64) (Message, error)
	Update(ctx context.Context, room string, id int64, fn func(*Message) error) (Message, error)
}

// MemoryHistory is an in-process HistoryStore. Each room has its own lock.
type MemoryHistory struct {
	retention int
	rooms     sync.Map // room -> *roomLog
}

type roomLog struct {
	mu   sync.Mutex
	seq  int64
	msgs []Message
}

// NewMemoryHistory creates a MemoryHistory keeping retention messages per
// room (DefaultRetention if retention <= 0).
func NewMemoryHistory(retention int) *MemoryHistory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryHistory{retention: retention}
}

func (h *MemoryHistory) room(room string) *roomLog {
	if l, ok := h.rooms.Load(room); ok {
		return l.(*roomLog)
	}
	l, _ := h.rooms.LoadOrStore(room, &roomLog{})
	return l.(*roomLog)
}

// Append implements HistoryStore.
func (h *MemoryHistory) Append(_ context.Context, msg Message) (Message, error) {
	l := h.room(msg.Room)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	msg.ID = l.seq
	l.msgs = append(l.msgs, msg.Clone())
	if over := len(l.msgs) - h.retention; over > 0 {
		l.msgs = append([]Message(nil), l.msgs[over:]...)
	}
	return msg, nil
}

// History implements HistoryStore. Messages are returned oldest first.
func (h *MemoryHistory) History(_ context.Context, room string, limit int) ([]Message, error) {
	l := h.room(room)
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if limit > 0 && len(l.msgs) > limit {
		start = len(l.msgs) - limit
	}
	out := make([]Message, 0, len(l.msgs)-start)
	for _, m := range l.msgs[start:] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Get implements HistoryStore.
func (h *MemoryHistory) Get(_ context.Context, room string, id int64) (Message, error) {
	l := h.room(room)
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.index(id); i >= 0 {
		return l.msgs[i].Clone(), nil
	}
	return Message{}, ErrMessageNotFound
}

// Update implements HistoryStore. fn runs under the room lock; if it returns
// an error the message is left unchanged.
func (h *MemoryHistory) Update(_ context.Context, room string, id int64, fn func(*Message) error) (Message, error) {
	l := h.room(room)
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.index(id)
	if i < 0 {
		return Message{}, ErrMessageNotFound
	}
	m := l.msgs[i].Clone()
	if err := fn(&m); err != nil {
		return Message{}, err
	}
	l.msgs[i] = m
	return m.Clone(), nil
}

// index finds id by binary search; ids are appended in increasing order.
func (l *roomLog) index(id int64) int {
	lo, hi := 0, len(l.msgs)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case l.msgs[mid].ID == id:
			return mid
		case l.msgs[mid].ID < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1
}
