// Package channel implements the client side of the realtime connection: one
// logical connection shared by every room the client participates in, with
// reconnect and backoff, room subscriptions seeded from server history, local
// gating of outbound messages, and in-order application of inbound events to
// the LocalCache.
//
// All inbound events are published from a single read goroutine, so each
// subscriber observes one monotonically extending sequence per room.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixellumo/lumoverse/internal/cache"
	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/event"
	"github.com/pixellumo/lumoverse/internal/metrics"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/presence"
	"github.com/pixellumo/lumoverse/internal/protocol"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 5 * time.Second
	DefaultMaxAttempts     = 5
	DefaultConnectTimeout  = 10 * time.Second
	DefaultHistoryPageSize = 50
	DefaultPingInterval    = 20 * time.Second
)

// Reasons reported on Acks for sends the server never acknowledged.
const (
	// ReasonNotDelivered: the server's history did not include the send
	// after a resync.
	ReasonNotDelivered = "not delivered"
	// ReasonLeftRoom: the room was left before the send was acknowledged.
	ReasonLeftRoom = "left room"
)

var (
	ErrClosed         = errors.New("channel: closed")
	ErrAlreadyStarted = errors.New("channel: already started")
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// StateChange is published on every state transition. Attempt is the
// consecutive connect attempt number while connecting or reconnecting. Err
// is set on the terminal disconnect that follows exhausted attempts.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

// Typing is a typing indicator from another identity.
type Typing struct {
	Identity string
	Room     string
}

// Ack settles an outbound message identified by its nonce.
type Ack struct {
	Nonce     string
	Room      string
	MessageID int64
	Accepted  bool
	Reasons   []string
}

// ServerError is an error frame pushed by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// PendingSend is an optimistic send awaiting acknowledgement.
type PendingSend struct {
	Nonce  string
	Room   string
	Text   string
	SentAt time.Time

	seq uint64
}

// Config configures a Channel.
type Config struct {
	Identity string
	Token    string
	Dialer   Dialer

	// Cache receives inbound messages. nil uses an in-memory cache.
	Cache *cache.Cache
	// Limiter and Scorer gate SendMessage before anything is transmitted.
	// Either may be nil.
	Limiter interface {
		Allow(ctx context.Context, identity string) (bool, error)
	}
	Scorer *moderation.Scorer

	MaxTextChars    int
	HistoryPageSize int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	ConnectTimeout  time.Duration
	// PingInterval paces keepalive pings, which also refresh presence in
	// every joined room.
	PingInterval time.Duration
}

type subscription struct {
	requestID  string
	requestSeq uint64
	online     []string
}

// Channel is the client connection. Create it with New, start it with
// Connect and stop it with Close.
type Channel struct {
	cfg   Config
	cache *cache.Cache
	sleep func(ctx context.Context, d time.Duration) bool

	// Messages carries new messages and updated copies of cached messages
	// (edits, reactions, deletions). Consumers key by Message.ID.
	Messages   *event.Bus[chat.Message]
	Presence   *event.Bus[presence.Event]
	Typing     *event.Bus[Typing]
	States     *event.Bus[StateChange]
	Moderation *event.Bus[moderation.Decision]
	Acks       *event.Bus[Ack]
	Errors     *event.Bus[error]

	mu        sync.Mutex
	state     State
	transport Transport
	rooms     map[string]*subscription
	pending   map[string]*PendingSend
	seq       uint64
	sessionID string
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a disconnected Channel.
func New(cfg Config) (*Channel, error) {
	if cfg.Identity == "" {
		return nil, errors.New("channel: identity is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("channel: dialer is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = DefaultHistoryPageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	c := cfg.Cache
	if c == nil {
		var err error
		if c, err = cache.New(0, nil); err != nil {
			return nil, err
		}
	}

	return &Channel{
		cfg:        cfg,
		cache:      c,
		sleep:      sleepContext,
		Messages:   event.NewBus[chat.Message]("messages"),
		Presence:   event.NewBus[presence.Event]("presence"),
		Typing:     event.NewBus[Typing]("typing"),
		States:     event.NewBus[StateChange]("states"),
		Moderation: event.NewBus[moderation.Decision]("moderation"),
		Acks:       event.NewBus[Ack]("acks"),
		Errors:     event.NewBus[error]("errors"),
		state:      StateDisconnected,
		rooms:      make(map[string]*subscription),
		pending:    make(map[string]*PendingSend),
		done:       make(chan struct{}),
	}, nil
}

// Backoff returns the delay before retry number attempt (1-based):
// min(base*2^(attempt-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Connect starts the connection supervisor and returns immediately. Progress
// is reported on States. A Channel can be started once.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close terminates the channel. The final disconnected state is published
// asynchronously; Done is closed once it has been.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}
	if !started {
		c.setState(StateDisconnected, 0, nil)
		close(c.done)
	}
	return nil
}

// Done is closed when the channel has reached its terminal state.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id of the current connection.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Cache returns the LocalCache fed by this channel.
func (c *Channel) Cache() *cache.Cache {
	return c.cache
}

func (c *Channel) setState(s State, attempt int, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.States.Publish(StateChange{State: s, Attempt: attempt, Err: err})
}

// run is the connection supervisor. A connection that closes before
// delivering any server frame counts as a failed attempt; one that delivered
// at least one frame starts a fresh run of attempts. Every retry waits out
// the backoff.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	c.setState(StateConnecting, 1, nil)
	attempt := 0
	for {
		attempt++
		t, err := c.dial(ctx)
		if err == nil {
			var live bool
			live, err = c.serve(ctx, t)
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				c.terminate(nil)
				return
			}
			log.Printf("[channel] connection lost attempt=%d live=%v: %v", attempt, live, err)
			if live {
				attempt = 0
			}
		} else {
			if ctx.Err() != nil {
				c.terminate(nil)
				return
			}
			log.Printf("[channel] connect attempt=%d: %v", attempt, err)
		}

		if attempt >= c.cfg.MaxAttempts {
			c.terminate(err)
			return
		}
		metrics.ReconnectAttempts.Inc()
		c.setState(StateReconnecting, attempt+1, err)
		if !c.sleep(ctx, Backoff(max(attempt, 1), c.cfg.BaseDelay, c.cfg.MaxDelay)) {
			c.terminate(nil)
			return
		}
	}
}

// terminate publishes the terminal disconnected state. A non-nil err is also
// published on Errors.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	c.closed = true
	c.transport = nil
	c.mu.Unlock()

	c.setState(StateDisconnected, 0, err)
	if err != nil {
		c.Errors.Publish(err)
	}
}

// dial runs one connect attempt bounded by ConnectTimeout, even if the
// Dialer ignores its context.
func (c *Channel) dial(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	type result struct {
		t   Transport
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := c.cfg.Dialer.Dial(ctx)
		ch <- result{t, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err}
		}
		return r.t, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.t != nil {
				r.t.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ErrConnectTimeout}
	}
}

// serve owns one established transport: hello, resubscribe, then the read
// loop. It returns when the transport fails or the channel is closed; live
// reports whether any server frame arrived.
func (c *Channel) serve(ctx context.Context, t Transport) (live bool, err error) {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	hello, err := protocol.NewClientMessage(protocol.TypeHello, protocol.HelloMsg{
		Identity: c.cfg.Identity,
		Token:    c.cfg.Token,
	})
	if err != nil {
		t.Close()
		return false, err
	}
	if err := t.Send(hello); err != nil {
		t.Close()
		return false, &TransportError{Op: "send", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return false, ErrClosed
	}
	c.transport = t
	c.state = StateConnected
	joins := make([]protocol.JoinRoomMsg, 0, len(c.rooms))
	for room, sub := range c.rooms {
		joins = append(joins, c.newRequestLocked(room, sub))
	}
	c.mu.Unlock()
	sort.Slice(joins, func(i, j int) bool { return joins[i].Room < joins[j].Room })

	c.States.Publish(StateChange{State: StateConnected})
	for _, j := range joins {
		if err := c.sendFrame(protocol.TypeJoinRoom, j); err != nil {
			log.Printf("[channel] resubscribe room=%s: %v", j.Room, err)
		}
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.keepalive(pingCtx, t)

	for {
		data, err := t.Receive()
		if err != nil {
			c.mu.Lock()
			if c.transport == t {
				c.transport = nil
			}
			closed := c.closed
			c.mu.Unlock()
			t.Close()
			if closed {
				return live, ErrClosed
			}
			return live, &TransportError{Op: "receive", Err: err}
		}
		live = true
		c.handle(data)
	}
}

// keepalive pings the server on t until ctx ends or a send fails.
func (c *Channel) keepalive(ctx context.Context, t Transport) {
	ping, err := protocol.NewClientMessage(protocol.TypePing, protocol.PingMsg{})
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Send(ping); err != nil {
				return
			}
		}
	}
}

// newRequestLocked issues a new history request id for room, superseding any
// outstanding one. Caller holds c.mu.
func (c *Channel) newRequestLocked(room string, sub *subscription) protocol.JoinRoomMsg {
	c.seq++
	sub.requestID = uuid.NewString()
	sub.requestSeq = c.seq
	return protocol.JoinRoomMsg{Room: room, RequestID: sub.requestID, Limit: c.cfg.HistoryPageSize}
}

func (c *Channel) sendFrame(msgType string, payload any) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	if err := t.Send(data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Channel) joined(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// ---------------------------------------------------------------------------
// Room subscriptions
// ---------------------------------------------------------------------------

// JoinRoom subscribes to room. The subscription is recorded even while
// offline and replayed on every (re)connect; when connected a history page is
// requested immediately. A returned TransportError does not undo the
// subscription.
func (c *Channel) JoinRoom(room string) error {
	if err := chat.ValidateRoom(room); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sub, ok := c.rooms[room]
	if !ok {
		sub = &subscription{}
		c.rooms[room] = sub
	}
	req := c.newRequestLocked(room, sub)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.sendFrame(protocol.TypeJoinRoom, req)
}

// LeaveRoom unsubscribes from room. History responses still in flight for
// the room are discarded on arrival. Cached messages are kept. Sends to room
// still awaiting acknowledgement are settled with ReasonLeftRoom.
func (c *Channel) LeaveRoom(room string) error {
	c.mu.Lock()
	if _, ok := c.rooms[room]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, room)
	var abandoned []*PendingSend
	for nonce, p := range c.pending {
		if p.Room == room {
			abandoned = append(abandoned, p)
			delete(c.pending, nonce)
		}
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	sort.Slice(abandoned, func(i, j int) bool { return abandoned[i].seq < abandoned[j].seq })
	for _, p := range abandoned {
		c.Acks.Publish(Ack{Nonce: p.Nonce, Room: room, Reasons: []string{ReasonLeftRoom}})
	}

	if !connected {
		return nil
	}
	return c.sendFrame(protocol.TypeLeaveRoom, protocol.LeaveRoomMsg{Room: room})
}

// Rooms returns the subscribed rooms, sorted.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Online returns the identities online in room as of the last history page.
func (c *Channel) Online(room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.rooms[room]; ok {
		return append([]string(nil), sub.online...)
	}
	return nil
}

// Pending returns the unacknowledged sends of room, oldest first.
func (c *Channel) Pending(room string) []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingSend
	for _, p := range c.pending {
		if p.Room == room {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// resync requests a fresh history page for room.
func (c *Channel) resync(room string) {
	c.mu.Lock()
	sub, ok := c.rooms[room]
	if !ok || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	req := c.newRequestLocked(room, sub)
	c.mu.Unlock()

	err := c.sendFrame(protocol.TypeHistory, protocol.HistoryMsg{
		Room:      req.Room,
		RequestID: req.RequestID,
		Limit:     req.Limit,
	})
	if err != nil {
		log.Printf("[channel] resync room=%s: %v", room, err)
	}
}

// ---------------------------------------------------------------------------
// Outbound operations
// ---------------------------------------------------------------------------

// SendMessage validates and gates text locally, then transmits it. It
// returns the nonce correlating the later Ack. Local refusals are returned
// as *chat.RejectedError without any network round trip.
func (c *Channel) SendMessage(room, text string) (string, error) {
	if !c.joined(room) {
		return "", chat.Reject(chat.ReasonNotInRoom)
	}
	if err := chat.ValidateMessage(text, c.cfg.MaxTextChars); err != nil {
		return "", chat.Reject(err.Error())
	}

	// Spam is checked first so refused content does not consume rate.
	ctx := context.Background()
	if c.cfg.Scorer != nil {
		if a := c.cfg.Scorer.Analyze(ctx, text, ""); a.IsSpam {
			return "", chat.Reject(a.Reasons...)
		}
	}
	if c.cfg.Limiter != nil {
		if ok, _ := c.cfg.Limiter.Allow(ctx, c.cfg.Identity); !ok {
			return "", chat.Reject(chat.ReasonRateLimited)
		}
	}

	nonce := uuid.NewString()
	c.mu.Lock()
	c.seq++
	c.pending[nonce] = &PendingSend{Nonce: nonce, Room: room, Text: text, SentAt: time.Now(), seq: c.seq}
	c.mu.Unlock()

	if err := c.sendFrame(protocol.TypeMessage, protocol.ChatMsg{Room: room, Text: text, Nonce: nonce}); err != nil {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
		return "", err
	}
	return nonce, nil
}

// SendTyping sends a typing indicator for room.
func (c *Channel) SendTyping(room string) error {
	if !c.joined(room) {
		return chat.Reject(chat.ReasonNotInRoom)
	}
	return c.sendFrame(protocol.TypeTyping, protocol.TypingMsg{Room: room})
}

// ReactToMessage toggles this identity's emoji reaction on a message.
func (c *Channel) ReactToMessage(room string, id int64, emoji string) error {
	if !c.joined(room) {
		return chat.Reject(chat.ReasonNotInRoom)
	}
	if err := chat.ValidateEmoji(emoji); err != nil {
		return chat.Reject(err.Error())
	}
	return c.sendFrame(protocol.TypeReact, protocol.ReactMsg{Room: room, MessageID: id, Emoji: emoji})
}

// EditMessage replaces the text of one of this identity's messages.
func (c *Channel) EditMessage(room string, id int64, text string) error {
	if !c.joined(room) {
		return chat.Reject(chat.ReasonNotInRoom)
	}
	if err := chat.ValidateMessage(text, c.cfg.MaxTextChars); err != nil {
		return chat.Reject(err.Error())
	}
	if m, ok := c.cache.Get(room, id); ok && m.Author != c.cfg.Identity {
		return chat.Reject(chat.ReasonNotAuthor)
	}
	return c.sendFrame(protocol.TypeEdit, protocol.EditMsg{Room: room, MessageID: id, Text: text})
}

// DeleteMessage deletes a message. The server allows authors and moderators.
func (c *Channel) DeleteMessage(room string, id int64) error {
	if !c.joined(room) {
		return chat.Reject(chat.ReasonNotInRoom)
	}
	return c.sendFrame(protocol.TypeDelete, protocol.DeleteMsg{Room: room, MessageID: id})
}

// ReportMessage flags a message for moderator review.
func (c *Channel) ReportMessage(room string, id int64, reason string) error {
	if !c.joined(room) {
		return chat.Reject(chat.ReasonNotInRoom)
	}
	return c.sendFrame(protocol.TypeReport, protocol.ReportMsg{Room: room, MessageID: id, Reason: reason})
}

// ---------------------------------------------------------------------------
// Inbound handling
// ---------------------------------------------------------------------------

func (c *Channel) handle(data []byte) {
	_, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[channel] dropping frame: %v", err)
		return
	}

	switch m := msg.(type) {
	case protocol.SessionCreatedMsg:
		c.mu.Lock()
		c.sessionID = m.SessionID
		c.mu.Unlock()

	case protocol.WelcomeMsg:
		c.mu.Lock()
		c.sessionID = m.SessionID
		c.mu.Unlock()

	case protocol.ServerChatMsg:
		if !c.joined(m.Message.Room) {
			return
		}
		if c.cache.Append(m.Message.Room, m.Message) {
			c.Messages.Publish(m.Message)
		}

	case protocol.ServerHistoryMsg:
		c.onHistory(m)

	case protocol.ServerTypingMsg:
		if c.joined(m.Room) && m.Identity != c.cfg.Identity {
			c.Typing.Publish(Typing{Identity: m.Identity, Room: m.Room})
		}

	case protocol.PresenceMsg:
		c.onPresence(m)

	case protocol.ReactionMsg:
		reactors := append([]string(nil), m.Reactors...)
		sort.Strings(reactors)
		c.applyUpdate(m.Room, m.MessageID, func(msg *chat.Message) {
			if len(reactors) == 0 {
				delete(msg.Reactions, m.Emoji)
				return
			}
			if msg.Reactions == nil {
				msg.Reactions = make(map[string][]string)
			}
			msg.Reactions[m.Emoji] = reactors
		})

	case protocol.ServerEditMsg:
		c.applyUpdate(m.Room, m.MessageID, func(msg *chat.Message) {
			msg.Edit(m.Text, m.EditedAt)
		})

	case protocol.ServerDeleteMsg:
		c.applyUpdate(m.Room, m.MessageID, func(msg *chat.Message) {
			msg.MarkDeleted()
		})

	case protocol.ModerationMsg:
		c.Moderation.Publish(moderation.Decision{
			ContentID: m.ContentID,
			Room:      m.Room,
			MessageID: m.MessageID,
			Hidden:    m.Hidden,
			Reason:    m.Reason,
		})

	case protocol.AckMsg:
		c.settle(Ack{Nonce: m.Nonce, Room: m.Room, MessageID: m.MessageID, Accepted: true})

	case protocol.RejectedMsg:
		c.settle(Ack{Nonce: m.Nonce, Room: m.Room, Reasons: m.Reasons})

	case protocol.RateLimitedMsg:
		if m.Nonce != "" {
			c.settle(Ack{Nonce: m.Nonce, Reasons: []string{chat.ReasonRateLimited}})
			return
		}
		c.Errors.Publish(&ServerError{Code: protocol.TypeRateLimited, Message: fmt.Sprintf("retry after %ds", m.RetryAfter)})

	case protocol.BannedMsg:
		c.Errors.Publish(&ServerError{Code: protocol.TypeBanned, Message: m.Reason})

	case protocol.ErrorMsg:
		c.Errors.Publish(&ServerError{Code: m.Code, Message: m.Message})

	case protocol.PongMsg:
	}
}

func (c *Channel) onPresence(m protocol.PresenceMsg) {
	c.mu.Lock()
	sub, ok := c.rooms[m.Room]
	if !ok {
		c.mu.Unlock()
		return
	}
	switch presence.Action(m.Action) {
	case presence.Joined:
		i := sort.SearchStrings(sub.online, m.Identity)
		if i == len(sub.online) || sub.online[i] != m.Identity {
			sub.online = append(sub.online, "")
			copy(sub.online[i+1:], sub.online[i:])
			sub.online[i] = m.Identity
		}
	case presence.Left:
		i := sort.SearchStrings(sub.online, m.Identity)
		if i < len(sub.online) && sub.online[i] == m.Identity {
			sub.online = append(sub.online[:i], sub.online[i+1:]...)
		}
	}
	c.mu.Unlock()

	c.Presence.Publish(presence.Event{Identity: m.Identity, Room: m.Room, Action: presence.Action(m.Action)})
}

// onHistory applies a history page unless the room was left or the request
// was superseded. Unacknowledged sends issued before the request are settled:
// accepted if the page contains them, dropped otherwise.
func (c *Channel) onHistory(m protocol.ServerHistoryMsg) {
	c.mu.Lock()
	sub, ok := c.rooms[m.Room]
	if !ok || sub.requestID != m.RequestID {
		c.mu.Unlock()
		log.Printf("[channel] discarding stale history room=%s request=%s", m.Room, m.RequestID)
		return
	}
	sub.requestID = ""
	online := append([]string(nil), m.Online...)
	sort.Strings(online)
	sub.online = online

	delivered := make(map[string]chat.Message, len(m.Messages))
	for _, msg := range m.Messages {
		if msg.Nonce != "" {
			delivered[msg.Nonce] = msg
		}
	}
	var settled []*PendingSend
	for _, p := range c.pending {
		if p.Room == m.Room && p.seq <= sub.requestSeq {
			settled = append(settled, p)
		}
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].seq < settled[j].seq })
	acks := make([]Ack, 0, len(settled))
	for _, p := range settled {
		delete(c.pending, p.Nonce)
		if msg, ok := delivered[p.Nonce]; ok {
			acks = append(acks, Ack{Nonce: p.Nonce, Room: p.Room, MessageID: msg.ID, Accepted: true})
			continue
		}
		acks = append(acks, Ack{Nonce: p.Nonce, Room: p.Room, Reasons: []string{ReasonNotDelivered}})
	}
	c.mu.Unlock()

	for _, msg := range c.cache.Reconcile(m.Room, m.Messages) {
		c.Messages.Publish(msg)
	}
	for _, a := range acks {
		c.Acks.Publish(a)
	}
}

// applyUpdate applies an edit, delete or reaction to the cached message. An
// unknown id triggers a history resync of the room.
func (c *Channel) applyUpdate(room string, id int64, fn func(*chat.Message)) {
	if !c.joined(room) {
		return
	}
	updated, err := c.cache.Apply(room, id, fn)
	if errors.Is(err, cache.ErrUnknownMessage) {
		log.Printf("[channel] unknown message room=%s id=%d, resyncing", room, id)
		c.resync(room)
		return
	}
	c.Messages.Publish(updated)
}

// settle publishes a for a pending send. Each send settles once, so acks for
// nonces already settled (by a resync or LeaveRoom) are dropped.
func (c *Channel) settle(a Ack) {
	c.mu.Lock()
	p, ok := c.pending[a.Nonce]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, a.Nonce)
	if a.Room == "" {
		a.Room = p.Room
	}
	c.mu.Unlock()
	c.Acks.Publish(a)
}
