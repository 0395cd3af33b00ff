package messaging

import (
	"fmt"
	"sync"
)

// RoomBroker fans room frames out over NATS subjects room.<room_id>. Every
// server subscribes to the rooms its local clients joined; NATS preserves
// publish order per subscription.
type RoomBroker struct {
	client *NATSClient
	mu     sync.Mutex
	rooms  map[string]struct{}
}

// NewRoomBroker creates a RoomBroker on client.
func NewRoomBroker(client *NATSClient) *RoomBroker {
	return &RoomBroker{client: client, rooms: make(map[string]struct{})}
}

func roomSubject(room string) string {
	return SubjectRoom + "." + room
}

// PublishRoom publishes an encoded server frame to room.
func (b *RoomBroker) PublishRoom(room string, data []byte) error {
	if err := b.client.Publish(roomSubject(room), data); err != nil {
		return fmt.Errorf("messaging: publish room %s: %w", room, err)
	}
	return nil
}

// SubscribeRoom delivers every frame published to room to handler. A room
// can be subscribed once per broker.
func (b *RoomBroker) SubscribeRoom(room string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[room]; ok {
		return fmt.Errorf("messaging: room %s already subscribed", room)
	}
	if err := b.client.Subscribe("room:"+room, roomSubject(room), handler); err != nil {
		return err
	}
	b.rooms[room] = struct{}{}
	return nil
}

// UnsubscribeRoom stops delivery for room. Unknown rooms are ignored.
func (b *RoomBroker) UnsubscribeRoom(room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[room]; !ok {
		return nil
	}
	delete(b.rooms, room)
	return b.client.Unsubscribe("room:" + room)
}
