// Package event provides a small typed publish/subscribe bus used for every
// outbound notification in the realtime core (messages, presence, typing,
// connection state, moderation decisions). Subscribers are invoked in
// registration order; a panicking subscriber is recovered and logged so that
// later subscribers still receive the event.
package event

import (
	"log"
	"sync"
)

// Bus fans a value of type T out to every registered subscriber.
// The zero value is ready to use.
type Bus[T any] struct {
	name string

	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewBus returns a Bus whose name is used in recovered-panic log lines.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to a snapshot of the current subscribers, synchronously
// and in registration order.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, v)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[event] subscriber %d on %q panicked: %v", s.id, b.name, r)
		}
	}()
	s.fn(v)
}

// Len reports the number of registered subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
