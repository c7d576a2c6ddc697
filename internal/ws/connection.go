package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/minichat/chat-app/internal/session"
)

// Connection represents a single WebSocket client connection with its
// associated chat session and a write mutex for serializing outbound frames.
type Connection struct {
	ID           string           // connection ID (UUID)
	Conn         net.Conn         // underlying TCP connection
	Fd           int              // file descriptor, -1 on non-linux
	RemoteAddr   string           // client address as seen by the HTTP server
	Session      *session.Session // identity binding and message pacing
	CreatedAt    time.Time        // when the connection was established
	lastActivity int64            // unix nanos of the last frame received
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	evicted      int32 // atomic flag: set once the connection is scheduled for removal
}

// NewConnection wraps conn with an outbound queue of queueSize frames.
// Queued frames are written once StartWriter runs.
func NewConnection(id string, conn net.Conn, sess *session.Session, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		Session:      sess,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
	c.Touch(now)
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch(at time.Time) {
	atomic.StoreInt64(&c.lastActivity, at.UnixNano())
}

// LastActivity returns the time of the last frame received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Enqueue queues a frame for the writer goroutine without blocking. It
// returns false when the queue is full or the connection is closed.
func (c *Connection) Enqueue(data []byte) bool {
	if c.send == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// markEvicted reports whether this call scheduled the eviction.
func (c *Connection) markEvicted() bool {
	return atomic.CompareAndSwapInt32(&c.evicted, 0, 1)
}

// StartWriter drains the outbound queue in order until the connection is
// closed. onFail runs once if a write fails.
func (c *Connection) StartWriter(onFail func(*Connection)) {
	go func() {
		for {
			select {
			case <-c.closed:
				return
			case data := <-c.send:
				if err := c.WriteMessage(data); err != nil {
					onFail(c)
					return
				}
			}
		}
	}()
}

// Close closes the underlying network connection and stops the writer.
func (c *Connection) Close() error {
	if c.closed != nil {
		c.closeOnce.Do(func() { close(c.closed) })
	}
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by connection ID and by the net.Conn the poller reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // poller handle -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false
// if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
