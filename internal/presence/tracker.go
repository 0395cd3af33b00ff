// Package presence tracks which identities are online in each room.
//
// Presence is counted per (identity, room) connection: several devices of the
// same identity collapse to one entry, a joined event is emitted only when
// the first connection arrives and a left event only when the last one goes
// (or when the entry misses heartbeats for longer than the timeout).
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/pixellumo/lumoverse/internal/event"
)

// DefaultTimeout is how long an entry survives without a heartbeat.
const DefaultTimeout = 60 * time.Second

// Action is the kind of presence transition.
type Action string

const (
	Joined Action = "joined"
	Left   Action = "left"
)

// Event is emitted on absent→present and present→absent transitions only.
type Event struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
	Action   Action `json:"action"`
	Timeout  bool   `json:"timeout,omitempty"` // left by inactivity
}

// Entry is one identity's presence in a room.
type Entry struct {
	Identity    string    `json:"identity"`
	Room        string    `json:"room"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Connections int       `json:"connections"`
}

// Store keeps presence entries. Every method must update a single
// (room, identity) entry atomically.
type Store interface {
	// Join adds one connection and stamps the last-seen time. first is true
	// when the identity was absent before.
	Join(ctx context.Context, room, identity string, now time.Time) (first bool, err error)
	// Leave removes one connection. last is true when the count reached zero
	// and the entry was removed; leaving an absent entry is a no-op.
	Leave(ctx context.Context, room, identity string) (last bool, err error)
	// Touch stamps the last-seen time of an entry. An absent entry (one the
	// sweeper expired while its connection stayed open) is re-added with one
	// connection and added is true.
	Touch(ctx context.Context, room, identity string, now time.Time) (added bool, err error)
	List(ctx context.Context, room string) ([]Entry, error)
	// Expire removes every entry last seen at or before cutoff and returns
	// the removed entries.
	Expire(ctx context.Context, cutoff time.Time) ([]Entry, error)
}

// Tracker applies presence transitions to a Store and emits events.
type Tracker struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	events  *event.Bus[Event]
}

// NewTracker creates a Tracker. timeout <= 0 uses DefaultTimeout.
func NewTracker(store Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		store:   store,
		timeout: timeout,
		now:     time.Now,
		events:  event.NewBus[Event]("presence"),
	}
}

// Subscribe registers fn for presence events.
func (t *Tracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	return t.events.Subscribe(fn)
}

// Timeout returns the inactivity timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Join records one connection of identity in room. Returns true when this
// was the identity's first connection, in which case a Joined event is
// emitted.
func (t *Tracker) Join(ctx context.Context, identity, room string) (bool, error) {
	first, err := t.store.Join(ctx, room, identity, t.now())
	if err != nil {
		return false, err
	}
	if first {
		t.events.Publish(Event{Identity: identity, Room: room, Action: Joined})
	}
	return first, nil
}

// Leave removes one connection of identity from room. Returns true when this
// was the last connection, in which case a Left event is emitted.
func (t *Tracker) Leave(ctx context.Context, identity, room string) (bool, error) {
	last, err := t.store.Leave(ctx, room, identity)
	if err != nil {
		return false, err
	}
	if last {
		t.events.Publish(Event{Identity: identity, Room: room, Action: Left})
	}
	return last, nil
}

// Touch refreshes identity's last-seen time in room. Callers touch only rooms
// the identity has joined, so an entry missing here was expired by Sweep; it
// is restored and a Joined event is emitted.
func (t *Tracker) Touch(ctx context.Context, identity, room string) error {
	added, err := t.store.Touch(ctx, room, identity, t.now())
	if err != nil {
		return err
	}
	if added {
		t.events.Publish(Event{Identity: identity, Room: room, Action: Joined})
	}
	return nil
}

// ListOnline returns the identities present in room, sorted.
func (t *Tracker) ListOnline(ctx context.Context, room string) ([]string, error) {
	entries, err := t.store.List(ctx, room)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Identity
	}
	sort.Strings(out)
	return out, nil
}

// Entries returns the presence entries of room, sorted by identity.
func (t *Tracker) Entries(ctx context.Context, room string) ([]Entry, error) {
	entries, err := t.store.List(ctx, room)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries, nil
}

// Sweep removes entries that missed heartbeats for longer than the timeout
// and emits a Left event for each.
func (t *Tracker) Sweep(ctx context.Context) ([]Event, error) {
	expired, err := t.store.Expire(ctx, t.now().Add(-t.timeout))
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(expired))
	for _, e := range expired {
		ev := Event{Identity: e.Identity, Room: e.Room, Action: Left, Timeout: true}
		events = append(events, ev)
		t.events.Publish(ev)
	}
	return events, nil
}
