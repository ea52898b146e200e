//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

// Epoll is the portable poller for platforms without epoll. Each connection
// gets a goroutine that peeks for buffered data, reports readiness, and waits
// for the read to finish before peeking again.
type Epoll struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// peekConn lets the poller wait for data without consuming it.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// NewEpoll creates the portable poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Prepare wraps conn so that it can be peeked. The returned conn must be used
// for every later read.
func (e *Epoll) Prepare(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts watching a prepared connection.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return errors.New("ws: connection was not prepared")
	}
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}

	e.mu.Lock()
	if e.watches == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.watches[conn] = w
	e.mu.Unlock()

	go e.monitor(pc, w)
	return nil
}

func (e *Epoll) monitor(pc *peekConn, w *watch) {
	for {
		_, err := pc.r.Peek(1)
		// Report errors too so the read path sees the closure.
		select {
		case e.readyCh <- pc:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the watcher of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w := e.watches[conn]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watches[conn]
	delete(e.watches, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
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

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.watches = nil
		e.mu.Unlock()
	})
	return nil
}
