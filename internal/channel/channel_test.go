package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/protocol"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
)

const waitTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTransport struct {
	in     chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case d := <-f.in:
		return d, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// push delivers a server frame to the client.
func (f *fakeTransport) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	f.in <- data
}

// expect waits for the next client frame of msgType, skipping others.
func (f *fakeTransport) expect(t *testing.T, msgType string) any {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case data := <-f.sent:
			typ, msg, err := protocol.ParseClientMessage(data)
			if err != nil {
				t.Fatalf("client sent invalid frame: %v", err)
			}
			if typ == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", msgType)
		}
	}
}

// drained reports whether no frame of msgType is queued.
func (f *fakeTransport) drained(t *testing.T, msgType string) bool {
	t.Helper()
	for {
		select {
		case data := <-f.sent:
			if typ, _, _ := protocol.ParseClientMessage(data); typ == msgType {
				return false
			}
		default:
			return true
		}
	}
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      int
}

func (d *fakeDialer) Dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.transports) == 0 {
		return nil, errors.New("connection refused")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}

// recorder collects bus events into channels.
type recorder struct {
	states   chan StateChange
	messages chan chat.Message
	acks     chan Ack
	errs     chan error
}

func record(c *Channel) *recorder {
	r := &recorder{
		states:   make(chan StateChange, 64),
		messages: make(chan chat.Message, 64),
		acks:     make(chan Ack, 64),
		errs:     make(chan error, 64),
	}
	c.States.Subscribe(func(s StateChange) { r.states <- s })
	c.Messages.Subscribe(func(m chat.Message) { r.messages <- m })
	c.Acks.Subscribe(func(a Ack) { r.acks <- a })
	c.Errors.Subscribe(func(err error) { r.errs <- err })
	return r
}

func (r *recorder) waitState(t *testing.T, want State) StateChange {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-r.states:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (r *recorder) nextAck(t *testing.T) Ack {
	t.Helper()
	select {
	case a := <-r.acks:
		return a
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ack")
	}
	return Ack{}
}

// flush pushes a marker error frame and waits for it, so every frame pushed
// before it has been handled.
func (r *recorder) flush(t *testing.T, ft *fakeTransport) {
	t.Helper()
	ft.push(t, protocol.TypeError, protocol.ErrorMsg{Code: "flush"})
	deadline := time.After(waitTimeout)
	for {
		select {
		case err := <-r.errs:
			var se *ServerError
			if errors.As(err, &se) && se.Code == "flush" {
				return
			}
		case <-deadline:
			t.Fatal("timed out flushing")
		}
	}
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *recorder) {
	t.Helper()
	if cfg.Identity == "" {
		cfg.Identity = "alice"
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, record(c)
}

// connected returns a channel connected over a single fake transport.
func connected(t *testing.T, cfg Config) (*Channel, *recorder, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	cfg.Dialer = &fakeDialer{transports: []*fakeTransport{ft}}
	c, rec := newTestChannel(t, cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	hello := ft.expect(t, protocol.TypeHello).(protocol.HelloMsg)
	if hello.Identity != c.cfg.Identity {
		t.Fatalf("hello identity = %q", hello.Identity)
	}
	rec.waitState(t, StateConnected)
	return c, rec, ft
}

// join subscribes to room and answers the history request with msgs.
func join(t *testing.T, c *Channel, rec *recorder, ft *fakeTransport, room string, msgs ...chat.Message) {
	t.Helper()
	if err := c.JoinRoom(room); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	req := ft.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	if req.Limit != DefaultHistoryPageSize {
		t.Errorf("history limit = %d, want %d", req.Limit, DefaultHistoryPageSize)
	}
	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{Room: room, RequestID: req.RequestID, Messages: msgs})
	rec.flush(t, ft)
}

func msg(room string, id int64, author, text string) chat.Message {
	return chat.Message{ID: id, Room: room, Author: author, Text: text, CreatedAt: id * 1000}
}

// ---------------------------------------------------------------------------
// Backoff and connection lifecycle
// ---------------------------------------------------------------------------

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, DefaultBaseDelay, DefaultMaxDelay); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	c, rec := newTestChannel(t, Config{Dialer: dialer})

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	final := rec.waitState(t, StateDisconnected)
	<-c.Done()

	var te *TransportError
	if !errors.As(final.Err, &te) || te.Op != "connect" {
		t.Fatalf("terminal state error = %v, want connect TransportError", final.Err)
	}
	select {
	case err := <-rec.errs:
		if !errors.As(err, &te) {
			t.Errorf("error event = %v, want TransportError", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("expected an error event")
	}

	mu.Lock()
	defer mu.Unlock()
	if dialer.dials != DefaultMaxAttempts {
		t.Errorf("dials = %d, want %d", dialer.dials, DefaultMaxAttempts)
	}
	if len(delays) != DefaultMaxAttempts-1 {
		t.Fatalf("delays = %v, want %d entries", delays, DefaultMaxAttempts-1)
	}
	for i, d := range delays {
		if d > DefaultMaxDelay {
			t.Errorf("delay[%d] = %v exceeds cap", i, d)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delays not non-decreasing: %v", delays)
		}
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after terminal state = %v, want ErrClosed", err)
	}
}

func TestReconnect_RecoversAfterFailures(t *testing.T) {
	ft := newFakeTransport()
	failures := 3
	var mu sync.Mutex
	dialer := DialerFunc(func(context.Context) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("connection refused")
		}
		return ft, nil
	})
	c, rec := newTestChannel(t, Config{Dialer: dialer})

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	c.Connect(context.Background())
	rec.waitState(t, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestReconnect_BacksOffWhenServerDropsImmediately(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := DialerFunc(func(context.Context) (Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		ft := newFakeTransport()
		ft.Close()
		return ft, nil
	})
	c, rec := newTestChannel(t, Config{Dialer: dialer, MaxAttempts: 4})

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	c.Connect(context.Background())
	if s := rec.waitState(t, StateReconnecting); s.Attempt != 2 {
		t.Errorf("first reconnect attempt = %d, want 2", s.Attempt)
	}
	final := rec.waitState(t, StateDisconnected)
	var te *TransportError
	if !errors.As(final.Err, &te) {
		t.Errorf("terminal error = %v, want TransportError", final.Err)
	}
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	if dials != 4 {
		t.Errorf("dials = %d, want 4", dials)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestReconnect_LiveConnectionResetsAttempts(t *testing.T) {
	first := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first}}
	c, rec := newTestChannel(t, Config{Dialer: dialer, MaxAttempts: 3})

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	c.Connect(context.Background())
	first.expect(t, protocol.TypeHello)
	rec.waitState(t, StateConnected)
	first.push(t, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "s1"})
	rec.flush(t, first)

	first.Close()
	rec.waitState(t, StateDisconnected)
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	// One live connection, then a full run of failed attempts.
	if dialer.dials != 4 {
		t.Errorf("dials = %d, want 4", dialer.dials)
	}
	want := []time.Duration{time.Second, time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestConnectTimeout_DialerIgnoringContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	dialer := DialerFunc(func(context.Context) (Transport, error) {
		<-block
		return nil, errors.New("unreachable")
	})
	c, rec := newTestChannel(t, Config{
		Dialer:         dialer,
		MaxAttempts:    1,
		ConnectTimeout: 20 * time.Millisecond,
	})

	c.Connect(context.Background())
	final := rec.waitState(t, StateDisconnected)
	if !errors.Is(final.Err, ErrConnectTimeout) {
		t.Fatalf("terminal error = %v, want ErrConnectTimeout", final.Err)
	}
}

func TestClose_IsTerminal(t *testing.T) {
	c, rec, ft := connected(t, Config{})

	c.Close()
	final := rec.waitState(t, StateDisconnected)
	if final.Err != nil {
		t.Errorf("explicit close should not carry an error, got %v", final.Err)
	}
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed")
	}
	select {
	case <-ft.closed:
	default:
		t.Error("transport not closed")
	}
	if err := c.JoinRoom("lobby"); !errors.Is(err, ErrClosed) {
		t.Errorf("JoinRoom after close = %v, want ErrClosed", err)
	}
}

func TestReconnect_ResubscribesRooms(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first, second}}
	c, rec := newTestChannel(t, Config{Dialer: dialer})
	c.sleep = func(context.Context, time.Duration) bool { return true }

	c.Connect(context.Background())
	first.expect(t, protocol.TypeHello)
	rec.waitState(t, StateConnected)
	join(t, c, rec, first, "lobby", msg("lobby", 1, "bob", "hi"))
	join(t, c, rec, first, "general")

	// Drop the connection.
	first.Close()
	rec.waitState(t, StateReconnecting)
	second.expect(t, protocol.TypeHello)
	rec.waitState(t, StateConnected)

	a := second.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	b := second.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	if a.Room != "general" || b.Room != "lobby" {
		t.Fatalf("resubscribed %q, %q; want general, lobby", a.Room, b.Room)
	}

	// Server history wins over the cached copy.
	edited := msg("lobby", 1, "bob", "hi (edited)")
	second.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{Room: "lobby", RequestID: b.RequestID, Messages: []chat.Message{edited}})
	rec.flush(t, second)
	if got := c.Cache().GetAll("lobby"); len(got) != 1 || got[0].Text != "hi (edited)" {
		t.Errorf("cache after resync = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// History and inbound events
// ---------------------------------------------------------------------------

func TestJoinRoom_SeedsCache(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby", msg("lobby", 1, "bob", "a"), msg("lobby", 2, "carol", "b"))

	got := c.Cache().GetAll("lobby")
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("cache = %+v", got)
	}
}

func TestHistory_DiscardedAfterLeave(t *testing.T) {
	c, rec, ft := connected(t, Config{})

	c.JoinRoom("lobby")
	req := ft.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	c.LeaveRoom("lobby")
	ft.expect(t, protocol.TypeLeaveRoom)

	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{
		Room:      "lobby",
		RequestID: req.RequestID,
		Messages:  []chat.Message{msg("lobby", 1, "bob", "late")},
	})
	rec.flush(t, ft)

	if got := c.Cache().GetAll("lobby"); len(got) != 0 {
		t.Errorf("history for a left room was applied: %+v", got)
	}
}

func TestHistory_SupersededRequestDiscarded(t *testing.T) {
	c, rec, ft := connected(t, Config{})

	c.JoinRoom("lobby")
	old := ft.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	c.JoinRoom("lobby")
	cur := ft.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)

	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{Room: "lobby", RequestID: old.RequestID, Messages: []chat.Message{msg("lobby", 1, "bob", "old")}})
	rec.flush(t, ft)
	if got := c.Cache().GetAll("lobby"); len(got) != 0 {
		t.Fatalf("superseded history applied: %+v", got)
	}

	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{Room: "lobby", RequestID: cur.RequestID, Messages: []chat.Message{msg("lobby", 2, "bob", "new")}})
	rec.flush(t, ft)
	if got := c.Cache().GetAll("lobby"); len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("current history not applied: %+v", got)
	}
}

func TestInboundMessage_Deduplicated(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby")

	m := msg("lobby", 7, "bob", "hello")
	ft.push(t, protocol.TypeMessage, protocol.ServerChatMsg{Message: m})
	ft.push(t, protocol.TypeMessage, protocol.ServerChatMsg{Message: m})
	rec.flush(t, ft)

	if n := len(rec.messages); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
	if got := c.Cache().GetAll("lobby"); len(got) != 1 {
		t.Errorf("cache = %+v", got)
	}
}

func TestInboundUpdates_AppliedInOrder(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby", msg("lobby", 1, "bob", "hi"))

	ft.push(t, protocol.TypeReaction, protocol.ReactionMsg{Room: "lobby", MessageID: 1, Emoji: "👍", Reactors: []string{"carol", "alice"}})
	ft.push(t, protocol.TypeEdit, protocol.ServerEditMsg{Room: "lobby", MessageID: 1, Text: "hello", EditedAt: 5000})
	rec.flush(t, ft)

	got, ok := c.Cache().Get("lobby", 1)
	if !ok {
		t.Fatal("message missing")
	}
	if got.Text != "hello" || got.EditedAt != 5000 {
		t.Errorf("edit not applied: %+v", got)
	}
	if r := got.Reactions["👍"]; len(r) != 2 || r[0] != "alice" || r[1] != "carol" {
		t.Errorf("reactions = %v", got.Reactions)
	}

	ft.push(t, protocol.TypeDelete, protocol.ServerDeleteMsg{Room: "lobby", MessageID: 1, By: "bob"})
	rec.flush(t, ft)
	got, _ = c.Cache().Get("lobby", 1)
	if !got.Deleted || got.Text != "" {
		t.Errorf("delete not applied: %+v", got)
	}
}

func TestUnknownReference_TriggersResync(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby", msg("lobby", 1, "bob", "hi"))

	ft.push(t, protocol.TypeEdit, protocol.ServerEditMsg{Room: "lobby", MessageID: 99, Text: "x", EditedAt: 1})
	req := ft.expect(t, protocol.TypeHistory).(protocol.HistoryMsg)
	if req.Room != "lobby" || req.RequestID == "" {
		t.Fatalf("resync request = %+v", req)
	}

	edited := msg("lobby", 99, "carol", "x")
	edited.EditedAt = 1
	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{
		Room:      "lobby",
		RequestID: req.RequestID,
		Messages:  []chat.Message{msg("lobby", 1, "bob", "hi"), edited},
	})
	rec.flush(t, ft)

	if got, ok := c.Cache().Get("lobby", 99); !ok || got.Text != "x" {
		t.Errorf("resync did not bring message 99: %+v", got)
	}
}

func TestModerationDecision_Published(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	got := make(chan moderation.Decision, 1)
	c.Moderation.Subscribe(func(d moderation.Decision) { got <- d })

	ft.push(t, protocol.TypeModeration, protocol.ModerationMsg{ContentID: "lobby:3", Room: "lobby", MessageID: 3, Hidden: true, Reason: "spam"})
	rec.flush(t, ft)

	select {
	case d := <-got:
		if d.ContentID != "lobby:3" || !d.Hidden || d.Reason != "spam" {
			t.Errorf("decision = %+v", d)
		}
	default:
		t.Fatal("no moderation decision published")
	}
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

func TestSendMessage_LocalRejection(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Rule{Key: "rl:msg:", Limit: 1, Window: time.Minute})
	c, rec, ft := connected(t, Config{
		Limiter: limiter,
		Scorer:  moderation.NewScorer(moderation.DefaultSpamThreshold, nil),
	})

	var rej *chat.RejectedError
	if _, err := c.SendMessage("lobby", "hi"); !errors.As(err, &rej) || rej.Reasons[0] != chat.ReasonNotInRoom {
		t.Fatalf("send to unjoined room = %v", err)
	}
	join(t, c, rec, ft, "lobby")

	if _, err := c.SendMessage("lobby", "   "); !errors.As(err, &rej) {
		t.Errorf("empty message = %v, want RejectedError", err)
	}

	if _, err := c.SendMessage("lobby", "buy bitcoin now, earn money fast, viagra cheap"); !errors.As(err, &rej) {
		t.Fatalf("spam = %v, want RejectedError", err)
	} else if len(rej.Reasons) != 3 {
		t.Errorf("spam reasons = %v", rej.Reasons)
	}
	if !ft.drained(t, protocol.TypeMessage) {
		t.Fatal("rejected content must not be transmitted")
	}

	if _, err := c.SendMessage("lobby", "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	ft.expect(t, protocol.TypeMessage)
	if _, err := c.SendMessage("lobby", "second"); !errors.As(err, &rej) || rej.Reasons[0] != chat.ReasonRateLimited {
		t.Errorf("over-limit send = %v, want rate limit rejection", err)
	}
}

func TestSendMessage_AckSettlesPending(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby")

	nonce, err := c.SendMessage("lobby", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := ft.expect(t, protocol.TypeMessage).(protocol.ChatMsg)
	if sent.Nonce != nonce || sent.Text != "hello" {
		t.Fatalf("sent %+v", sent)
	}
	if p := c.Pending("lobby"); len(p) != 1 {
		t.Fatalf("pending = %v", p)
	}

	ft.push(t, protocol.TypeAck, protocol.AckMsg{Nonce: nonce, Room: "lobby", MessageID: 4})
	a := rec.nextAck(t)
	if !a.Accepted || a.MessageID != 4 || a.Nonce != nonce {
		t.Errorf("ack = %+v", a)
	}
	if p := c.Pending("lobby"); len(p) != 0 {
		t.Errorf("pending after ack = %v", p)
	}

	nonce2, _ := c.SendMessage("lobby", "again")
	ft.push(t, protocol.TypeRejected, protocol.RejectedMsg{Nonce: nonce2, Room: "lobby", Reasons: []string{"Excessive caps"}})
	if a := rec.nextAck(t); a.Accepted || a.Nonce != nonce2 || len(a.Reasons) != 1 {
		t.Errorf("rejection ack = %+v", a)
	}
}

func TestResync_DropsUndeliveredSends(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby")

	lost, _ := c.SendMessage("lobby", "lost in transit")
	delivered, _ := c.SendMessage("lobby", "made it")

	c.JoinRoom("lobby")
	req := ft.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	m := msg("lobby", 1, "alice", "made it")
	m.Nonce = delivered
	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{Room: "lobby", RequestID: req.RequestID, Messages: []chat.Message{m}})

	a := rec.nextAck(t)
	if a.Nonce != lost || a.Accepted || a.Reasons[0] != ReasonNotDelivered {
		t.Errorf("first ack = %+v, want %s dropped", a, lost)
	}
	a = rec.nextAck(t)
	if a.Nonce != delivered || !a.Accepted || a.MessageID != 1 {
		t.Errorf("second ack = %+v, want %s accepted", a, delivered)
	}
	if p := c.Pending("lobby"); len(p) != 0 {
		t.Errorf("pending = %+v", p)
	}
}

func TestResync_KeepsSendsAfterRequest(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby")

	c.JoinRoom("lobby")
	req := ft.expect(t, protocol.TypeJoinRoom).(protocol.JoinRoomMsg)
	inflight, _ := c.SendMessage("lobby", "sent after the request")

	ft.push(t, protocol.TypeHistory, protocol.ServerHistoryMsg{Room: "lobby", RequestID: req.RequestID})
	rec.flush(t, ft)
	if p := c.Pending("lobby"); len(p) != 1 || p[0].Nonce != inflight {
		t.Errorf("pending = %+v, want the in-flight send kept", p)
	}
}

func TestLeaveRoom_SettlesPendingSends(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby")
	join(t, c, rec, ft, "general")

	first, _ := c.SendMessage("lobby", "one")
	second, _ := c.SendMessage("lobby", "two")
	other, _ := c.SendMessage("general", "stays")

	if err := c.LeaveRoom("lobby"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	for _, want := range []string{first, second} {
		a := rec.nextAck(t)
		if a.Nonce != want || a.Accepted || a.Room != "lobby" || a.Reasons[0] != ReasonLeftRoom {
			t.Errorf("ack = %+v, want %s settled as left room", a, want)
		}
	}
	if p := c.Pending("lobby"); len(p) != 0 {
		t.Errorf("pending after leave = %+v", p)
	}
	if p := c.Pending("general"); len(p) != 1 || p[0].Nonce != other {
		t.Errorf("other room pending = %+v", p)
	}

	// A late server ack for a settled send is not published again.
	ft.push(t, protocol.TypeAck, protocol.AckMsg{Nonce: first, Room: "lobby", MessageID: 9})
	rec.flush(t, ft)
	select {
	case a := <-rec.acks:
		t.Errorf("unexpected ack after leave: %+v", a)
	default:
	}
}

func TestSendMessage_Offline(t *testing.T) {
	c, _ := newTestChannel(t, Config{Dialer: &fakeDialer{}})
	c.JoinRoom("lobby")

	_, err := c.SendMessage("lobby", "hello")
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("offline send = %v, want TransportError(ErrNotConnected)", err)
	}
	if p := c.Pending("lobby"); len(p) != 0 {
		t.Errorf("failed send left pending entry: %v", p)
	}
}

func TestEditMessage_OnlyAuthor(t *testing.T) {
	c, rec, ft := connected(t, Config{})
	join(t, c, rec, ft, "lobby", msg("lobby", 1, "bob", "bob's"), msg("lobby", 2, "alice", "mine"))

	var rej *chat.RejectedError
	if err := c.EditMessage("lobby", 1, "hacked"); !errors.As(err, &rej) {
		t.Errorf("editing another author's message = %v", err)
	}
	if err := c.EditMessage("lobby", 2, "mine, edited"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	e := ft.expect(t, protocol.TypeEdit).(protocol.EditMsg)
	if e.MessageID != 2 || e.Text != "mine, edited" {
		t.Errorf("edit frame = %+v", e)
	}
}

func TestKeepalive_PingsWhileConnected(t *testing.T) {
	_, _, ft := connected(t, Config{Identity: "alice", PingInterval: 10 * time.Millisecond})
	ft.expect(t, protocol.TypePing)
	ft.expect(t, protocol.TypePing)
}
