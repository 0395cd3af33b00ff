// Package hub is the server side of the realtime core. It binds WebSocket
// connections to identities, routes room traffic through a Broker, gates
// every message against the moderation ledger and the spam scorer, assigns
// message ids through the history store, and relays presence and moderation
// decisions to the connected clients.
package hub

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/metrics"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/presence"
	"github.com/pixellumo/lumoverse/internal/protocol"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
	"github.com/pixellumo/lumoverse/internal/session"
)

// Defaults applied by New.
const (
	DefaultHistoryPageSize = 50
	MaxHistoryPageSize     = 100
	DefaultOpTimeout       = 3 * time.Second
	MaxIdentityLength      = 64
)

// Sender writes one encoded frame to one connection. *ws.Server satisfies it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Config holds hub tunables.
type Config struct {
	HistoryPageSize int
	MaxTextChars    int
	Moderators      []string // identities granted moderator rights with AdminToken
	AdminToken      string
	OpTimeout       time.Duration
	TypingRate      float64
	TypingBurst     int
}

// Deps are the collaborators the hub orchestrates. Broker, History, Tracker,
// Ledger and Queue are required; Sessions and the limiters may be nil.
type Deps struct {
	Broker         Broker
	History        chat.HistoryStore
	Tracker        *presence.Tracker
	Ledger         *moderation.Ledger
	Scorer         *moderation.Scorer
	MessageLimiter *ratelimit.Limiter // attached to Scorer; used for retry hints and admin reset
	ReportLimiter  *ratelimit.Limiter
	Queue          moderation.Queue
	Sessions       session.Store
}

// client is the per-connection state.
type client struct {
	connID string

	mu        sync.Mutex
	identity  string
	moderator bool
	rooms     map[string]struct{}
}

func (c *client) who() (identity string, moderator bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.moderator
}

func (c *client) joined(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Hub routes client traffic for one server instance.
type Hub struct {
	cfg        Config
	deps       Deps
	sender     Sender
	typing     *ratelimit.Throttle
	moderators map[string]bool
	now        func() time.Time

	clients sync.Map // connID -> *client

	mu    sync.RWMutex
	rooms map[string]map[string]*client // room -> connID -> client (local only)

	roomLocks sync.Map // room -> *sync.Mutex, held across id assignment and broadcast

	unsubs []func()
}

// New creates a Hub and subscribes it to presence events and moderation
// decisions. Call SetSender before connections arrive.
func New(cfg Config, deps Deps) (*Hub, error) {
	if deps.Broker == nil || deps.History == nil || deps.Tracker == nil || deps.Ledger == nil || deps.Queue == nil {
		return nil, errors.New("hub: broker, history, tracker, ledger and queue are required")
	}
	if deps.Scorer == nil {
		deps.Scorer = moderation.NewScorer(0, deps.MessageLimiter)
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = DefaultHistoryPageSize
	}
	if cfg.HistoryPageSize > MaxHistoryPageSize {
		cfg.HistoryPageSize = MaxHistoryPageSize
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = chat.MaxTextChars
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.TypingRate <= 0 {
		cfg.TypingRate = 1
	}
	if cfg.TypingBurst <= 0 {
		cfg.TypingBurst = 3
	}

	h := &Hub{
		cfg:        cfg,
		deps:       deps,
		typing:     ratelimit.NewThrottle(cfg.TypingRate, cfg.TypingBurst),
		moderators: make(map[string]bool, len(cfg.Moderators)),
		now:        time.Now,
		rooms:      make(map[string]map[string]*client),
	}
	for _, m := range cfg.Moderators {
		h.moderators[m] = true
	}

	h.unsubs = append(h.unsubs, deps.Tracker.Subscribe(h.onPresence))
	unsub, err := deps.Queue.OnDecision(h.onDecision)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.unsubs = append(h.unsubs, unsub)
	return h, nil
}

// SetSender sets the connection writer. It must be called before any
// connection is handled.
func (h *Hub) SetSender(s Sender) {
	h.sender = s
}

// Close drops the event subscriptions. Connections are closed by the server.
func (h *Hub) Close() {
	for _, fn := range h.unsubs {
		fn()
	}
	h.unsubs = nil
}

func (h *Hub) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.OpTimeout)
}

// OnConnect registers a new connection.
func (h *Hub) OnConnect(connID string) {
	h.clients.Store(connID, &client{connID: connID, rooms: make(map[string]struct{})})
}

// OnDisconnect leaves every room the connection had joined.
func (h *Hub) OnDisconnect(connID string) {
	v, ok := h.clients.LoadAndDelete(connID)
	if !ok {
		return
	}
	c := v.(*client)
	identity, _ := c.who()
	for _, room := range c.roomList() {
		h.leave(c, identity, room)
		h.typing.Forget(typingKey(identity, room))
	}
}

// MessageTypes lists the client message types Handle accepts.
var MessageTypes = []string{
	protocol.TypeHello,
	protocol.TypePing,
	protocol.TypeJoinRoom,
	protocol.TypeLeaveRoom,
	protocol.TypeHistory,
	protocol.TypeMessage,
	protocol.TypeTyping,
	protocol.TypeReact,
	protocol.TypeEdit,
	protocol.TypeDelete,
	protocol.TypeReport,
}

// Handle dispatches one decoded client message. Every message except hello
// and ping requires a bound identity.
func (h *Hub) Handle(connID string, msg any) {
	v, ok := h.clients.Load(connID)
	if !ok {
		log.Printf("[hub] message for unknown connection session=%s", connID)
		return
	}
	c := v.(*client)

	if m, ok := msg.(protocol.HelloMsg); ok {
		h.handleHello(c, m)
		return
	}
	if _, ok := msg.(protocol.PingMsg); ok {
		h.handlePing(c)
		return
	}

	identity, moderator := c.who()
	if identity == "" {
		h.sendError(connID, protocol.CodeUnauthorized, "hello required")
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoomMsg:
		h.handleJoin(c, identity, m)
	case protocol.LeaveRoomMsg:
		h.handleLeave(c, identity, m)
	case protocol.HistoryMsg:
		h.handleHistory(c, m)
	case protocol.ChatMsg:
		h.handleMessage(c, identity, m)
	case protocol.TypingMsg:
		h.handleTyping(c, identity, m)
	case protocol.ReactMsg:
		h.handleReact(c, identity, m)
	case protocol.EditMsg:
		h.handleEdit(c, identity, m)
	case protocol.DeleteMsg:
		h.handleDelete(c, identity, moderator, m)
	case protocol.ReportMsg:
		h.handleReport(c, identity, m)
	default:
		log.Printf("[hub] unhandled message %T session=%s", msg, connID)
		h.sendError(connID, protocol.CodeBadRequest, "unsupported message")
	}
}

// ---------------------------------------------------------------------------
// Room routing
// ---------------------------------------------------------------------------

// subscribe adds c to the local routing table of room, subscribing the broker
// when c is the first local member.
func (h *Hub) subscribe(c *client, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		if err := h.deps.Broker.SubscribeRoom(room, func(data []byte) { h.deliverLocal(room, data) }); err != nil {
			return err
		}
		members = make(map[string]*client)
		h.rooms[room] = members
		metrics.ActiveRooms.Inc()
	}
	members[c.connID] = c
	return nil
}

// unsubscribe removes c from room, dropping the broker subscription with the
// last local member.
func (h *Hub) unsubscribe(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c.connID)
	if len(members) > 0 {
		return
	}
	delete(h.rooms, room)
	metrics.ActiveRooms.Dec()
	if err := h.deps.Broker.UnsubscribeRoom(room); err != nil {
		log.Printf("[hub] unsubscribe room=%s: %v", room, err)
	}
}

// deliverLocal writes a broker frame to every local member of room.
func (h *Hub) deliverLocal(room string, data []byte) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if err := h.sender.SendMessage(id, data); err != nil {
			log.Printf("[hub] deliver room=%s session=%s: %v", room, id, err)
		}
	}
}

// localByIdentity returns the local connections bound to identity.
func (h *Hub) localByIdentity(identity string) []string {
	var ids []string
	h.clients.Range(func(_, v any) bool {
		c := v.(*client)
		if id, _ := c.who(); id == identity {
			ids = append(ids, c.connID)
		}
		return true
	})
	return ids
}

func (h *Hub) roomLock(room string) *sync.Mutex {
	v, _ := h.roomLocks.LoadOrStore(room, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// leave removes c from room and records the presence transition.
func (h *Hub) leave(c *client, identity, room string) {
	c.mu.Lock()
	_, ok := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if !ok {
		return
	}
	h.unsubscribe(c, room)

	ctx, cancel := h.opContext()
	defer cancel()
	if _, err := h.deps.Tracker.Leave(ctx, identity, room); err != nil {
		log.Printf("[hub] presence leave identity=%s room=%s: %v", identity, room, err)
	}
}

// ---------------------------------------------------------------------------
// Event relays
// ---------------------------------------------------------------------------

func (h *Hub) onPresence(e presence.Event) {
	metrics.PresenceEvents.WithLabelValues(string(e.Action)).Inc()
	h.publish(e.Room, protocol.TypePresence, protocol.PresenceMsg{
		Room:     e.Room,
		Identity: e.Identity,
		Action:   string(e.Action),
	})
}

// onDecision delivers a moderation decision to this server's connections.
// Every server receives every decision, so delivery stays local.
func (h *Hub) onDecision(d moderation.Decision) {
	if d.Hidden {
		data, err := protocol.NewServerMessage(protocol.TypeModeration, protocol.ModerationMsg{
			ContentID: d.ContentID,
			Room:      d.Room,
			MessageID: d.MessageID,
			Hidden:    true,
			Reason:    d.Reason,
		})
		if err != nil {
			log.Printf("[hub] encode moderation: %v", err)
			return
		}
		h.deliverLocal(d.Room, data)
	}
	if d.Banned && d.Author != "" {
		h.notifyBanned(d.Author, int(d.BanSecs), "spam")
	}
}

func (h *Hub) notifyBanned(identity string, secs int, reason string) {
	for _, id := range h.localByIdentity(identity) {
		h.send(id, protocol.TypeBanned, protocol.BannedMsg{Duration: secs, Reason: reason})
	}
}

// ---------------------------------------------------------------------------
// Frame helpers
// ---------------------------------------------------------------------------

func (h *Hub) send(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] encode %s: %v", msgType, err)
		return
	}
	if err := h.sender.SendMessage(connID, data); err != nil {
		log.Printf("[hub] send %s session=%s: %v", msgType, connID, err)
	}
}

func (h *Hub) sendError(connID, code, message string) {
	h.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// publish broadcasts a frame to every subscriber of room on every server.
func (h *Hub) publish(room, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] encode %s: %v", msgType, err)
		return
	}
	if err := h.deps.Broker.PublishRoom(room, data); err != nil {
		log.Printf("[hub] publish %s room=%s: %v", msgType, room, err)
	}
}

func typingKey(identity, room string) string {
	return identity + "\x00" + room
}
