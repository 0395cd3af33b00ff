// Package cache implements the client-side LocalCache: a bounded per-room
// mirror of recently seen messages used to render rooms while the channel is
// offline and to drop redelivered messages. It is strictly a cache; the
// server's history always wins on Reconcile.
package cache

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/pixellumo/lumoverse/internal/chat"
)

// DefaultCapacity is the number of messages retained per room.
const DefaultCapacity = 100

// ErrUnknownMessage is returned by Apply when the message id is not cached.
var ErrUnknownMessage = errors.New("cache: unknown message")

// Persister stores whole room snapshots. Implementations must be safe for
// concurrent use.
type Persister interface {
	Save(room string, msgs []chat.Message) error
	Delete(room string) error
	LoadAll() (map[string][]chat.Message, error)
}

// Cache stores the last N messages per room in arrival order, deduplicated
// by message id. When full, the oldest message is evicted and ids at or below
// the highest evicted id are refused from then on, so a late redelivery never
// lands behind newer messages.
type Cache struct {
	capacity int
	persist  Persister

	mu    sync.RWMutex
	rooms map[string]*roomBuffer
}

type roomBuffer struct {
	msgs []chat.Message
	ids  map[int64]struct{}
	// floor is the highest evicted id.
	floor int64
}

func newRoomBuffer() *roomBuffer {
	return &roomBuffer{ids: make(map[int64]struct{})}
}

// New creates a Cache holding capacity messages per room (DefaultCapacity if
// capacity <= 0). If persist is non-nil, previously saved rooms are loaded
// and every mutation is written through.
func New(capacity int, persist Persister) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		persist:  persist,
		rooms:    make(map[string]*roomBuffer),
	}
	if persist == nil {
		return c, nil
	}

	saved, err := persist.LoadAll()
	if err != nil {
		return nil, err
	}
	for room, msgs := range saved {
		rb := newRoomBuffer()
		for _, m := range msgs {
			rb.add(m, capacity)
		}
		c.rooms[room] = rb
	}
	return c, nil
}

// add inserts m unless its id is present or already evicted. Returns false
// when m was refused.
func (rb *roomBuffer) add(m chat.Message, capacity int) bool {
	if _, dup := rb.ids[m.ID]; dup || m.ID <= rb.floor {
		return false
	}
	rb.msgs = append(rb.msgs, m.Clone())
	rb.ids[m.ID] = struct{}{}
	for len(rb.msgs) > capacity {
		evicted := rb.msgs[0].ID
		delete(rb.ids, evicted)
		if evicted > rb.floor {
			rb.floor = evicted
		}
		rb.msgs = rb.msgs[1:]
	}
	return true
}

func (rb *roomBuffer) find(id int64) int {
	if _, ok := rb.ids[id]; !ok {
		return -1
	}
	for i := range rb.msgs {
		if rb.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (rb *roomBuffer) snapshot() []chat.Message {
	out := make([]chat.Message, len(rb.msgs))
	for i, m := range rb.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Append stores msg in room unless a message with the same id is already
// cached. Returns true when msg was added.
func (c *Cache) Append(room string, msg chat.Message) bool {
	c.mu.Lock()
	rb, ok := c.rooms[room]
	if !ok {
		rb = newRoomBuffer()
		c.rooms[room] = rb
	}
	added := rb.add(msg, c.capacity)
	if added {
		c.save(room, rb)
	}
	c.mu.Unlock()
	return added
}

// GetAll returns the cached messages of room in arrival order. Returns an
// empty slice for unknown rooms.
func (c *Cache) GetAll(room string) []chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rb, ok := c.rooms[room]
	if !ok {
		return []chat.Message{}
	}
	return rb.snapshot()
}

// Get returns a cached message by id.
func (c *Cache) Get(room string, id int64) (chat.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rb, ok := c.rooms[room]
	if !ok {
		return chat.Message{}, false
	}
	i := rb.find(id)
	if i < 0 {
		return chat.Message{}, false
	}
	return rb.msgs[i].Clone(), true
}

// Apply mutates a cached message in place. It returns ErrUnknownMessage if
// the id is not cached, so callers can trigger a history resync.
func (c *Cache) Apply(room string, id int64, fn func(*chat.Message)) (chat.Message, error) {
	c.mu.Lock()
	rb, ok := c.rooms[room]
	if !ok {
		c.mu.Unlock()
		return chat.Message{}, ErrUnknownMessage
	}
	i := rb.find(id)
	if i < 0 {
		c.mu.Unlock()
		return chat.Message{}, ErrUnknownMessage
	}
	fn(&rb.msgs[i])
	updated := rb.msgs[i].Clone()
	c.save(room, rb)
	c.mu.Unlock()
	return updated, nil
}

// Reconcile merges an authoritative history page into room. Server copies
// replace cached copies with the same id. Cached messages inside the page's
// id range that the server did not return (hidden or removed) are dropped;
// cached messages older than the page and newer ones (live deliveries that
// raced the request) are kept. The merged room is ordered by id. It returns
// the page messages that were not cached before.
func (c *Cache) Reconcile(room string, history []chat.Message) []chat.Message {
	sorted := make([]chat.Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c.mu.Lock()
	old, ok := c.rooms[room]
	if !ok {
		old = newRoomBuffer()
	}

	merged := make([]chat.Message, 0, len(sorted)+len(old.msgs))
	var fresh []chat.Message
	for _, m := range sorted {
		if m.ID <= old.floor {
			continue
		}
		if _, seen := old.ids[m.ID]; !seen {
			fresh = append(fresh, m.Clone())
		}
		merged = append(merged, m)
	}
	for _, m := range old.msgs {
		if len(sorted) == 0 || m.ID < sorted[0].ID || m.ID > sorted[len(sorted)-1].ID {
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	rb := newRoomBuffer()
	rb.floor = old.floor
	for _, m := range merged {
		rb.add(m, c.capacity)
	}
	c.rooms[room] = rb
	c.save(room, rb)
	c.mu.Unlock()
	return fresh
}

// Clear removes every cached message of room.
func (c *Cache) Clear(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rooms, room)
	if c.persist != nil {
		if err := c.persist.Delete(room); err != nil {
			log.Printf("[cache] delete room=%s: %v", room, err)
		}
	}
}

// Rooms returns the ids of rooms with cached messages, sorted.
func (c *Cache) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// save writes rb through to the persister. Caller holds c.mu so snapshots
// reach the persister in mutation order.
func (c *Cache) save(room string, rb *roomBuffer) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Save(room, rb.msgs); err != nil {
		log.Printf("[cache] save room=%s: %v", room, err)
	}
}
