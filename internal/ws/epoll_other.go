//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// pollState is the fallback bookkeeping for one connection. The monitor
// goroutine peeks through r and then waits on resume until the server has
// finished reading the frame that woke it.
type pollState struct {
	r      *bufio.Reader
	resume chan struct{}
}

// Epoll provides a goroutine-per-connection fallback for non-Linux
// platforms so the server runs unchanged on developer machines.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*pollState
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*pollState),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	st := &pollState{
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.conns[conn] = st
	e.mu.Unlock()

	go e.monitor(conn, st)
	return nil
}

// monitor blocks on a one-byte peek. Peeked bytes stay buffered in st.r and
// are handed to the server through Reader, so nothing is lost.
func (e *Epoll) monitor(conn net.Conn, st *pollState) {
	for {
		_, err := st.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			// The read path sees the same error and removes the connection.
			return
		}

		select {
		case <-st.resume:
		case <-e.done:
			return
		}
	}
}

// Remove stops tracking conn. The monitor exits once the closed
// connection fails its next peek.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	st, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		select {
		case st.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready without blocking further.
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

// Reader returns the buffered reader holding the peeked bytes of conn.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	st, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return st.r
}

// Resume lets the monitor of conn peek for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	st, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case st.resume <- struct{}{}:
	default:
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*pollState)
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning for the goroutine fallback.
func socketFD(net.Conn) int {
	return -1
}
