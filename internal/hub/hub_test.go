package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/presence"
	"github.com/pixellumo/lumoverse/internal/protocol"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
	"github.com/pixellumo/lumoverse/internal/session"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type frame struct {
	typ string
	msg any
}

// fakeSender records every frame written per connection.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][]frame)}
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	typ, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frames[connID] = append(s.frames[connID], frame{typ: typ, msg: msg})
	s.mu.Unlock()
	return nil
}

// take returns and clears the frames written to connID.
func (s *fakeSender) take(connID string) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames[connID]
	delete(s.frames, connID)
	return out
}

// only returns the taken frames of one type.
func (s *fakeSender) only(connID, typ string) []any {
	var out []any
	for _, f := range s.take(connID) {
		if f.typ == typ {
			out = append(out, f.msg)
		}
	}
	return out
}

type testHub struct {
	*Hub
	sender  *fakeSender
	ledger  *moderation.Ledger
	history *chat.MemoryHistory
}

func newTestHub(t *testing.T, cfg Config, rule ratelimit.Rule) *testHub {
	t.Helper()
	ledger := moderation.NewLedger(nil, nil, nil, moderation.LedgerConfig{})
	history := chat.NewMemoryHistory(0)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), rule)
	h, err := New(cfg, Deps{
		Broker:         NewLocalBroker(),
		History:        history,
		Tracker:        presence.NewTracker(presence.NewMemoryStore(), 0),
		Ledger:         ledger,
		Scorer:         moderation.NewScorer(0, limiter),
		MessageLimiter: limiter,
		ReportLimiter:  ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.RuleReport),
		Queue:          moderation.NewInlineQueue(moderation.NewReviewer(ledger, 0)),
		Sessions:       session.NewMemoryStore("test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.Close)
	s := newFakeSender()
	h.SetSender(s)
	return &testHub{Hub: h, sender: s, ledger: ledger, history: history}
}

// login connects connID and binds it to identity.
func (th *testHub) login(t *testing.T, connID, identity string) {
	t.Helper()
	th.OnConnect(connID)
	th.Handle(connID, protocol.HelloMsg{Identity: identity})
	if got := th.sender.only(connID, protocol.TypeWelcome); len(got) != 1 {
		t.Fatalf("%s: expected welcome, got %v", connID, got)
	}
}

func (th *testHub) join(t *testing.T, connID, room string) protocol.ServerHistoryMsg {
	t.Helper()
	th.Handle(connID, protocol.JoinRoomMsg{Room: room, RequestID: "r-" + connID})
	hist := th.sender.only(connID, protocol.TypeHistory)
	if len(hist) != 1 {
		t.Fatalf("%s: expected one history frame, got %d", connID, len(hist))
	}
	return hist[0].(protocol.ServerHistoryMsg)
}

func defaultRule() ratelimit.Rule {
	return ratelimit.Rule{Key: "rl:test:", Limit: 100, Window: time.Minute}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHello_Required(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.OnConnect("c1")
	th.Handle("c1", protocol.JoinRoomMsg{Room: "lobby"})

	errs := th.sender.only("c1", protocol.TypeError)
	if len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeUnauthorized {
		t.Fatalf("expected unauthorized error, got %v", errs)
	}
}

func TestHello_IdentityBoundOnce(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "c1", "alice")
	th.Handle("c1", protocol.HelloMsg{Identity: "mallory"})

	errs := th.sender.only("c1", protocol.TypeError)
	if len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeForbidden {
		t.Fatalf("expected forbidden error, got %v", errs)
	}
}

func TestHello_ModeratorNeedsToken(t *testing.T) {
	th := newTestHub(t, Config{Moderators: []string{"mod"}, AdminToken: "secret"}, defaultRule())

	tests := []struct {
		token string
		want  bool
	}{
		{"", false},
		{"wrong", false},
		{"secret", true},
	}
	for i, tt := range tests {
		id := "m" + string(rune('0'+i))
		th.OnConnect(id)
		th.Handle(id, protocol.HelloMsg{Identity: "mod", Token: tt.token})
		w := th.sender.only(id, protocol.TypeWelcome)
		if len(w) != 1 || w[0].(protocol.WelcomeMsg).Moderator != tt.want {
			t.Errorf("token %q: welcome = %v, want moderator=%v", tt.token, w, tt.want)
		}
	}
}

func TestJoin_HistoryAndPresence(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")

	hist := th.join(t, "a", "lobby")
	if hist.RequestID != "r-a" || len(hist.Online) != 1 || hist.Online[0] != "alice" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	th.join(t, "b", "lobby")
	pres := th.sender.only("a", protocol.TypePresence)
	if len(pres) != 1 {
		t.Fatalf("expected one presence frame for alice, got %d", len(pres))
	}
	if p := pres[0].(protocol.PresenceMsg); p.Identity != "bob" || p.Action != "joined" {
		t.Errorf("unexpected presence: %+v", p)
	}

	th.OnDisconnect("b")
	pres = th.sender.only("a", protocol.TypePresence)
	if len(pres) != 1 || pres[0].(protocol.PresenceMsg).Action != "left" {
		t.Fatalf("expected left presence after disconnect, got %v", pres)
	}
}

func TestMessage_AcceptedBroadcastThenAck(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.join(t, "a", "lobby")
	th.join(t, "b", "lobby")
	th.sender.take("a")

	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "hello there", Nonce: "n1"})

	frames := th.sender.take("a")
	if len(frames) != 2 || frames[0].typ != protocol.TypeMessage || frames[1].typ != protocol.TypeAck {
		t.Fatalf("expected message then ack, got %v", frames)
	}
	msg := frames[0].msg.(protocol.ServerChatMsg).Message
	ack := frames[1].msg.(protocol.AckMsg)
	if msg.ID != 1 || msg.Author != "alice" || msg.Nonce != "n1" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if ack.Nonce != "n1" || ack.MessageID != 1 {
		t.Errorf("unexpected ack: %+v", ack)
	}

	got := th.sender.only("b", protocol.TypeMessage)
	if len(got) != 1 || got[0].(protocol.ServerChatMsg).Message.ID != 1 {
		t.Fatalf("bob expected message 1, got %v", got)
	}
}

func TestMessage_IdsIncreasePerRoom(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.join(t, "a", "lobby")
	th.join(t, "a", "games")

	for i, room := range []string{"lobby", "lobby", "games", "lobby"} {
		th.Handle("a", protocol.ChatMsg{Room: room, Text: "msg", Nonce: string(rune('a' + i))})
	}
	var lobby []int64
	for _, f := range th.sender.only("a", protocol.TypeAck) {
		if a := f.(protocol.AckMsg); a.Room == "lobby" {
			lobby = append(lobby, a.MessageID)
		}
	}
	want := []int64{1, 2, 3}
	if len(lobby) != len(want) {
		t.Fatalf("lobby ids = %v, want %v", lobby, want)
	}
	for i := range want {
		if lobby[i] != want[i] {
			t.Fatalf("lobby ids = %v, want %v", lobby, want)
		}
	}
}

func TestMessage_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		room      string
		text      string
		wantScore bool
	}{
		{name: "not in room", room: "elsewhere", text: "hi"},
		{name: "empty", room: "lobby", text: "   "},
		{name: "too long", room: "lobby", text: strings.Repeat("x", 501)},
		{name: "spam", room: "lobby", text: "buy viagra with bitcoin", wantScore: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHub(t, Config{}, defaultRule())
			th.login(t, "a", "alice")
			th.join(t, "a", "lobby")
			th.sender.take("a")

			th.Handle("a", protocol.ChatMsg{Room: tt.room, Text: tt.text, Nonce: "n"})
			rej := th.sender.only("a", protocol.TypeRejected)
			if len(rej) != 1 {
				t.Fatalf("expected one rejection, got %d", len(rej))
			}
			r := rej[0].(protocol.RejectedMsg)
			if r.Nonce != "n" || len(r.Reasons) == 0 {
				t.Errorf("unexpected rejection: %+v", r)
			}

			score, _ := th.ledger.SpamScore(context.Background(), "alice")
			if tt.wantScore != (score > 0) {
				t.Errorf("spam score = %d, want increased=%v", score, tt.wantScore)
			}
			if msgs, _ := th.history.History(context.Background(), "lobby", 10); len(msgs) != 0 {
				t.Errorf("rejected message stored: %v", msgs)
			}
		})
	}
}

func TestMessage_RateLimited(t *testing.T) {
	th := newTestHub(t, Config{}, ratelimit.Rule{Key: "rl:t:", Limit: 2, Window: time.Minute})
	th.login(t, "a", "alice")
	th.join(t, "a", "lobby")
	th.sender.take("a")

	for _, n := range []string{"n1", "n2", "n3"} {
		th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "hi", Nonce: n})
	}
	rl := th.sender.only("a", protocol.TypeRateLimited)
	if len(rl) != 1 {
		t.Fatalf("expected one rate_limited frame, got %d", len(rl))
	}
	if m := rl[0].(protocol.RateLimitedMsg); m.Nonce != "n3" || m.RetryAfter != 60 {
		t.Errorf("unexpected rate_limited: %+v", m)
	}
}

func TestMessage_BannedIdentity(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.join(t, "a", "lobby")
	if _, err := th.ledger.BanUser(context.Background(), "alice", "abuse", time.Hour); err != nil {
		t.Fatalf("BanUser: %v", err)
	}
	th.sender.take("a")

	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "let me in", Nonce: "n"})
	frames := th.sender.take("a")
	if len(frames) != 1 || frames[0].typ != protocol.TypeBanned {
		t.Fatalf("expected banned frame, got %v", frames)
	}
	if b := frames[0].msg.(protocol.BannedMsg); b.Reason != "abuse" || b.Duration <= 0 || b.Duration > 3600 {
		t.Errorf("unexpected banned frame: %+v", b)
	}
}

func TestSpam_CrossesBanThreshold(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.join(t, "a", "lobby")
	th.sender.take("a")

	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "buy viagra with bitcoin", Nonce: "n"})
	frames := th.sender.take("a")
	if len(frames) != 2 || frames[0].typ != protocol.TypeRejected || frames[1].typ != protocol.TypeBanned {
		t.Fatalf("expected rejected then banned, got %v", frames)
	}
	if b := frames[1].msg.(protocol.BannedMsg); b.Duration != int(moderation.Ban15Min.Seconds()) {
		t.Errorf("ban duration = %d, want first-offense duration", b.Duration)
	}
	if _, banned, _ := th.ledger.IsBanned(context.Background(), "alice"); !banned {
		t.Error("alice should be banned")
	}
}

func TestReview_HidesBorderlineMessage(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.join(t, "a", "lobby")
	th.join(t, "b", "lobby")
	th.sender.take("b")

	// Below the send threshold, at the review threshold.
	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "cheap pills here", Nonce: "n"})

	frames := th.sender.take("b")
	if len(frames) != 2 || frames[0].typ != protocol.TypeMessage || frames[1].typ != protocol.TypeModeration {
		t.Fatalf("expected message then moderation, got %v", frames)
	}
	if m := frames[1].msg.(protocol.ModerationMsg); !m.Hidden || m.MessageID != 1 {
		t.Errorf("unexpected moderation frame: %+v", m)
	}
}

func TestReport_AutoHideAtThreshold(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.join(t, "a", "lobby")
	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "hello", Nonce: "n"})

	reporters := []string{"r1", "r2", "r3"}
	for _, r := range reporters {
		th.login(t, r, r)
		th.join(t, r, "lobby")
	}
	th.sender.take("a")

	for i, r := range reporters {
		th.Handle(r, protocol.ReportMsg{Room: "lobby", MessageID: 1, Reason: "rude"})
		mods := th.sender.only("a", protocol.TypeModeration)
		wantHidden := i == len(reporters)-1
		if wantHidden != (len(mods) == 1) {
			t.Fatalf("after report %d: moderation frames = %v", i+1, mods)
		}
	}

	hist := th.join(t, "a", "lobby")
	if len(hist.Messages) != 0 {
		t.Errorf("hidden message still in history: %+v", hist.Messages)
	}
}

func TestReport_OwnMessageRefused(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.join(t, "a", "lobby")
	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "hello", Nonce: "n"})
	th.sender.take("a")

	th.Handle("a", protocol.ReportMsg{Room: "lobby", MessageID: 1})
	errs := th.sender.only("a", protocol.TypeError)
	if len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request, got %v", errs)
	}
}

func TestEditAndDelete_Authorization(t *testing.T) {
	th := newTestHub(t, Config{Moderators: []string{"mod"}, AdminToken: "secret"}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.OnConnect("m")
	th.Handle("m", protocol.HelloMsg{Identity: "mod", Token: "secret"})
	for _, c := range []string{"a", "b", "m"} {
		th.join(t, c, "lobby")
	}
	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "first", Nonce: "n"})
	for _, c := range []string{"a", "b", "m"} {
		th.sender.take(c)
	}

	th.Handle("b", protocol.EditMsg{Room: "lobby", MessageID: 1, Text: "hijacked"})
	if errs := th.sender.only("b", protocol.TypeError); len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeForbidden {
		t.Fatalf("bob edit: expected forbidden, got %v", errs)
	}
	th.Handle("b", protocol.DeleteMsg{Room: "lobby", MessageID: 1})
	if errs := th.sender.only("b", protocol.TypeError); len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeForbidden {
		t.Fatalf("bob delete: expected forbidden, got %v", errs)
	}

	th.Handle("a", protocol.EditMsg{Room: "lobby", MessageID: 1, Text: "fixed"})
	edits := th.sender.only("b", protocol.TypeEdit)
	if len(edits) != 1 || edits[0].(protocol.ServerEditMsg).Text != "fixed" {
		t.Fatalf("expected edit broadcast, got %v", edits)
	}

	th.Handle("m", protocol.DeleteMsg{Room: "lobby", MessageID: 1})
	dels := th.sender.only("a", protocol.TypeDelete)
	if len(dels) != 1 || dels[0].(protocol.ServerDeleteMsg).By != "mod" {
		t.Fatalf("expected delete broadcast by mod, got %v", dels)
	}
	stored, err := th.history.Get(context.Background(), "lobby", 1)
	if err != nil || !stored.Deleted || stored.Text != "" {
		t.Errorf("stored after delete = %+v, %v", stored, err)
	}

	th.Handle("a", protocol.EditMsg{Room: "lobby", MessageID: 1, Text: "again"})
	if errs := th.sender.only("a", protocol.TypeError); len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeNotFound {
		t.Fatalf("edit after delete: expected not_found, got %v", errs)
	}
}

func TestReact_Toggle(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.join(t, "a", "lobby")
	th.join(t, "b", "lobby")
	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "react to me", Nonce: "n"})
	th.sender.take("a")

	th.Handle("b", protocol.ReactMsg{Room: "lobby", MessageID: 1, Emoji: "👍"})
	th.Handle("b", protocol.ReactMsg{Room: "lobby", MessageID: 1, Emoji: "👍"})

	got := th.sender.only("a", protocol.TypeReaction)
	if len(got) != 2 {
		t.Fatalf("expected two reaction frames, got %d", len(got))
	}
	first, second := got[0].(protocol.ReactionMsg), got[1].(protocol.ReactionMsg)
	if !first.Added || len(first.Reactors) != 1 || first.Reactors[0] != "bob" {
		t.Errorf("first toggle: %+v", first)
	}
	if second.Added || len(second.Reactors) != 0 {
		t.Errorf("second toggle: %+v", second)
	}

	th.Handle("b", protocol.ReactMsg{Room: "lobby", MessageID: 42, Emoji: "👍"})
	if errs := th.sender.only("b", protocol.TypeError); len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeNotFound {
		t.Fatalf("unknown message: expected not_found, got %v", errs)
	}
}

func TestTyping_ThrottledAndRelayed(t *testing.T) {
	th := newTestHub(t, Config{TypingRate: 0.001, TypingBurst: 2}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.join(t, "a", "lobby")
	th.join(t, "b", "lobby")
	th.sender.take("b")

	for i := 0; i < 5; i++ {
		th.Handle("a", protocol.TypingMsg{Room: "lobby"})
	}
	if got := th.sender.only("b", protocol.TypeTyping); len(got) != 2 {
		t.Fatalf("expected 2 relayed typing frames, got %d", len(got))
	}
}

func TestLeave_StopsDelivery(t *testing.T) {
	th := newTestHub(t, Config{}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.join(t, "a", "lobby")
	th.join(t, "b", "lobby")
	th.Handle("b", protocol.LeaveRoomMsg{Room: "lobby"})
	th.sender.take("b")

	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "anyone?", Nonce: "n"})
	if got := th.sender.take("b"); len(got) != 0 {
		t.Fatalf("bob received frames after leaving: %v", got)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		header string
		want   int
	}{
		{"no token configured", Config{}, "Bearer ", http.StatusForbidden},
		{"missing header", Config{AdminToken: "secret"}, "", http.StatusForbidden},
		{"wrong token", Config{AdminToken: "secret"}, "Bearer nope", http.StatusForbidden},
		{"valid", Config{AdminToken: "secret"}, "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHub(t, tt.cfg, defaultRule())
			req := httptest.NewRequest(http.MethodGet, "/admin/flags", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			th.AdminRouter().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAdmin_BanNotifiesAndUnban(t *testing.T) {
	th := newTestHub(t, Config{AdminToken: "secret"}, defaultRule())
	th.login(t, "a", "alice")
	router := th.AdminRouter()

	do := func(method, path, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodPost, "/admin/users/alice/ban", `{"reason":"abuse","duration_secs":0}`); code != http.StatusOK {
		t.Fatalf("ban status = %d", code)
	}
	banned := th.sender.only("a", protocol.TypeBanned)
	if len(banned) != 1 || banned[0].(protocol.BannedMsg).Duration != 0 {
		t.Fatalf("expected permanent banned frame, got %v", banned)
	}

	if code := do(http.MethodDelete, "/admin/users/alice/ban", ""); code != http.StatusOK {
		t.Fatalf("unban status = %d", code)
	}
	if _, isBanned, _ := th.ledger.IsBanned(context.Background(), "alice"); isBanned {
		t.Error("alice still banned after unban")
	}
}

func TestAdmin_ResolveDeleteRemovesMessage(t *testing.T) {
	th := newTestHub(t, Config{AdminToken: "secret"}, defaultRule())
	th.login(t, "a", "alice")
	th.login(t, "b", "bob")
	th.join(t, "a", "lobby")
	th.join(t, "b", "lobby")
	th.Handle("a", protocol.ChatMsg{Room: "lobby", Text: "hello", Nonce: "n"})
	th.Handle("b", protocol.ReportMsg{Room: "lobby", MessageID: 1, Reason: "rude"})
	th.sender.take("b")

	flags, err := th.ledger.PendingFlags(context.Background(), 10)
	if err != nil || len(flags) != 1 {
		t.Fatalf("pending flags = %v, %v", flags, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/flags/"+flags[0].ID+"/resolve", strings.NewReader(`{"action":"delete"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	th.AdminRouter().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d body=%s", rec.Code, rec.Body.String())
	}

	dels := th.sender.only("b", protocol.TypeDelete)
	if len(dels) != 1 || dels[0].(protocol.ServerDeleteMsg).MessageID != 1 {
		t.Fatalf("expected delete broadcast, got %v", dels)
	}
	if f, _, _ := th.ledger.GetFlag(context.Background(), flags[0].ID); f.Status != moderation.StatusResolved {
		t.Errorf("flag status = %s", f.Status)
	}
}
