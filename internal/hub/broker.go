package hub

import (
	"fmt"
	"sync"
)

// Broker fans encoded server frames out to every server instance that has
// subscribers in a room. Frames published to one room must reach each
// subscriber in publish order.
type Broker interface {
	PublishRoom(room string, data []byte) error
	SubscribeRoom(room string, handler func(data []byte)) error
	UnsubscribeRoom(room string) error
}

// LocalBroker is the in-process Broker used when the server runs alone.
// Handlers run synchronously in the publisher's goroutine.
type LocalBroker struct {
	mu    sync.RWMutex
	rooms map[string]func([]byte)
}

// NewLocalBroker creates an empty LocalBroker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{rooms: make(map[string]func([]byte))}
}

// PublishRoom implements Broker. Publishing to a room without a subscriber
// is a no-op.
func (b *LocalBroker) PublishRoom(room string, data []byte) error {
	b.mu.RLock()
	fn := b.rooms[room]
	b.mu.RUnlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

// SubscribeRoom implements Broker.
func (b *LocalBroker) SubscribeRoom(room string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[room]; ok {
		return fmt.Errorf("hub: room %s already subscribed", room)
	}
	b.rooms[room] = handler
	return nil
}

// UnsubscribeRoom implements Broker.
func (b *LocalBroker) UnsubscribeRoom(room string) error {
	b.mu.Lock()
	delete(b.rooms, room)
	b.mu.Unlock()
	return nil
}
