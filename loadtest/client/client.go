// Package client provides a reusable WebSocket client for load testing the
// minichat server. It connects using gobwas/ws (the same library the server
// uses), identifies with a random account key, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Client -> Server message types.
const (
	TypeHello         = "hello"
	TypeChatMessage   = "chat_message"
	TypeUpdateProfile = "update_profile"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeChatHistory = "chat_history"
	TypeProfile     = "profile"
	TypeUserProfile = "user_profile"
	TypePong        = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial + upgrade
	HelloLatency     time.Duration // hello sent until profile received
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user. It owns a random identity key, dispatches
// incoming frames to registered handlers and reports whether the hello
// handshake has completed.
type Client struct {
	conn net.Conn
	rw   io.ReadWriter
	key  string

	writeMu sync.Mutex

	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	helloSent time.Time
	profile   chan struct{}
	gotHello  bool
	history   json.RawMessage
	hasHist   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewKey returns a random 32-character lowercase hex identity key.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New dials url and starts the read loop. The client is not identified until
// Hello is called.
func New(ctx context.Context, url string) (*Client, error) {
	return NewWithKey(ctx, url, NewKey())
}

// NewWithKey is New with a fixed identity key, e.g. to open a second
// connection for the same user.
func NewWithKey(ctx context.Context, url, key string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		key:      key,
		handlers: make(map[string]func(json.RawMessage)),
		profile:  make(chan struct{}),
		hasHist:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	// The server writes chat_history right after the upgrade, so part of it
	// may already sit in the handshake reader. Control replies written by the
	// read loop share the write lock with Send.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Key returns the client's identity key.
func (c *Client) Key() string {
	return c.key
}

// Hello identifies the connection and waits for the profile reply.
func (c *Client) Hello(ctx context.Context, nick, lang string) error {
	c.mu.Lock()
	c.helloSent = time.Now()
	c.mu.Unlock()

	if err := c.Send(map[string]string{
		"type": TypeHello,
		"key":  c.key,
		"nick": nick,
		"lang": lang,
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before profile was received")
	case <-c.profile:
		return nil
	}
}

// History waits for the chat_history frame the server sends on connect and
// returns it. The frame is kept so callers can register after it arrived.
func (c *Client) History(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed before history was received")
	case <-c.hasHist:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.history, nil
	}
}

// SendChat posts text to the room.
func (c *Client) SendChat(text string) error {
	return c.Send(map[string]string{"type": TypeChatMessage, "text": text})
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine and must not block. A second registration for the same type
// replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.Errors == 0
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
				// Intentionally closed.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeProfile && !c.gotHello {
			c.gotHello = true
			c.metrics.HelloLatency = time.Since(c.helloSent)
			close(c.profile)
		}
		if envelope.Type == TypeChatHistory && c.history == nil {
			c.history = json.RawMessage(data)
			close(c.hasHist)
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
