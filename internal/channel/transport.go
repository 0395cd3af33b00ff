package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrNotConnected is wrapped in a TransportError when an outbound frame is
	// attempted without a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectTimeout is wrapped in a TransportError when a connect attempt
	// neither succeeds nor fails within the configured timeout.
	ErrConnectTimeout = errors.New("connect timeout")
)

// TransportError reports a failed connect, send or receive. The channel
// retries connect and receive failures with backoff.
type TransportError struct {
	Op  string // "connect", "send", "receive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport is one established connection carrying JSON text frames.
// Send may be called concurrently with Receive.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens Transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// WSDialer dials a WebSocket endpoint with gobwas/ws.
type WSDialer struct {
	URL string
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	conn, _, _, err := ws.Dial(ctx, d.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes, including pongs written by Receive
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// Write lets control frame replies share the send lock. Each control reply
// is flushed in a single Write.
func (t *wsTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(p)
}

// Receive returns the next text frame, answering pings and surfacing close
// frames as errors on the way.
func (t *wsTransport) Receive() ([]byte, error) {
	control := wsutil.ControlFrameHandler(t, ws.StateClientSide)
	rd := wsutil.Reader{
		Source:         t.conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
