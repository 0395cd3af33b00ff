package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pixellumo/lumoverse/internal/protocol"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
	"github.com/pixellumo/lumoverse/internal/session"
)

// startServer serves s on a loopback listener and shuts it down with the test.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) (string, any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	typ, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return typ, msg
}

func newTestServer(sessions session.Store) (*Server, *MessageDispatcher) {
	d := NewMessageDispatcher(nil)
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	s := NewServer(cfg, sessions, d.Dispatch)
	d.SetServer(s)
	return s, d
}

func TestServer_SessionCreatedFirst(t *testing.T) {
	sessions := session.NewMemoryStore("test")
	s, _ := newTestServer(sessions)

	var mu sync.Mutex
	var connected []string
	s.SetOnConnect(func(id string) {
		mu.Lock()
		connected = append(connected, id)
		mu.Unlock()
	})
	addr := startServer(t, s)
	conn := dial(t, addr)

	typ, msg := readFrame(t, conn)
	if typ != protocol.TypeSessionCreated {
		t.Fatalf("first frame = %q, want %q", typ, protocol.TypeSessionCreated)
	}
	id := msg.(protocol.SessionCreatedMsg).SessionID
	if id == "" {
		t.Fatal("empty session id")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(connected) != 1 || connected[0] != id {
		t.Errorf("onConnect got %v, want [%s]", connected, id)
	}
	if sess, _ := sessions.Get(context.Background(), id); sess == nil {
		t.Error("session not stored")
	}
}

func TestServer_PingAndUnknownType(t *testing.T) {
	s, d := newTestServer(nil)

	pinged := make(chan string, 1)
	d.Register(protocol.TypePing, func(c *Connection, _ any) { pinged <- c.ID })
	addr := startServer(t, s)
	conn := dial(t, addr)
	readFrame(t, conn)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ping", `{"type":"ping"}`, protocol.TypePong},
		{"unregistered", `{"type":"join_room","room":"lobby"}`, protocol.TypeError},
		{"malformed", `not json`, protocol.TypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := wsutil.WriteClientText(conn, []byte(tt.in)); err != nil {
				t.Fatalf("write: %v", err)
			}
			typ, msg := readFrame(t, conn)
			if typ != tt.want {
				t.Fatalf("got %q, want %q", typ, tt.want)
			}
			if e, ok := msg.(protocol.ErrorMsg); ok && e.Code != protocol.CodeBadRequest {
				t.Errorf("code = %q, want %q", e.Code, protocol.CodeBadRequest)
			}
		})
	}

	select {
	case <-pinged:
	case <-time.After(3 * time.Second):
		t.Error("ping handler not called")
	}
}

func TestServer_HandlersSeeFramesInOrder(t *testing.T) {
	s, d := newTestServer(nil)
	got := make(chan string, 10)
	d.Register(protocol.TypeJoinRoom, func(_ *Connection, msg any) {
		got <- msg.(protocol.JoinRoomMsg).Room
	})
	addr := startServer(t, s)
	conn := dial(t, addr)
	readFrame(t, conn)

	rooms := []string{"a", "b", "c", "d", "e"}
	for _, r := range rooms {
		if err := wsutil.WriteClientText(conn, []byte(`{"type":"join_room","room":"`+r+`"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range rooms {
		select {
		case r := <-got:
			if r != want {
				t.Fatalf("got room %q, want %q", r, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestServer_DisconnectCallback(t *testing.T) {
	sessions := session.NewMemoryStore("test")
	s, _ := newTestServer(sessions)
	gone := make(chan string, 1)
	s.SetOnDisconnect(func(id string) { gone <- id })
	addr := startServer(t, s)

	conn := dial(t, addr)
	_, msg := readFrame(t, conn)
	id := msg.(protocol.SessionCreatedMsg).SessionID
	conn.Close()

	select {
	case got := <-gone:
		if got != id {
			t.Errorf("disconnect id = %q, want %q", got, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onDisconnect not called")
	}
	if s.Connections().Count() != 0 {
		t.Errorf("connections = %d, want 0", s.Connections().Count())
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		sess, _ := sessions.Get(context.Background(), id)
		if sess == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not deleted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ConnectLimiter(t *testing.T) {
	s, _ := newTestServer(nil)
	s.SetConnectLimiter(ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Rule{
		Key: "rl:conn:", Limit: 1, Window: time.Minute,
	}))
	addr := startServer(t, s)

	dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	if err == nil {
		t.Fatal("second dial succeeded, want 429")
	}
	if se, ok := err.(ws.StatusError); !ok || int(se) != http.StatusTooManyRequests {
		t.Errorf("dial error = %v, want status 429", err)
	}
}

func TestServer_HealthAndExtraRoutes(t *testing.T) {
	s, _ := newTestServer(nil)
	s.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	addr := startServer(t, s)
	readFrame(t, dial(t, addr))

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 {
		t.Errorf("health = %+v", body)
	}

	resp2, err := http.Get("http://" + addr + "/extra")
	if err != nil {
		t.Fatalf("extra: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTeapot {
		t.Errorf("extra status = %d", resp2.StatusCode)
	}
}
