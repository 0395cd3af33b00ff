//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection is wrapped in a buffered reader: a monitor goroutine peeks
// one byte to detect readiness without consuming it, then waits for the
// server to Rearm the connection before peeking again, so the monitor never
// reads concurrently with the server.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	rearm   chan struct{} // buffered, 1
	removed chan struct{}
}

// bufConn reads through a bufio.Reader so peeked bytes are not lost.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapped conn the server must
// read from and pass to Rearm and Remove.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	bc := &bufConn{Conn: conn, r: bufio.NewReader(conn)}
	w := &watch{rearm: make(chan struct{}, 1), removed: make(chan struct{})}

	e.mu.Lock()
	e.conns[bc] = w
	e.mu.Unlock()

	go e.monitor(bc, w)
	return bc, nil
}

// monitor waits for the first Rearm, then signals readiness each time data
// (or an error) is pending and blocks until the server has finished its read.
func (e *Epoll) monitor(bc *bufConn, w *watch) {
	select {
	case <-w.rearm:
	case <-w.removed:
		return
	case <-e.done:
		return
	}
	for {
		_, err := bc.r.Peek(1)

		select {
		case e.readyCh <- bc:
		case <-w.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm resumes monitoring after the server consumed a ready signal.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.removed)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}
