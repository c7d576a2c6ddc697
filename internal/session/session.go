// Package session holds the per-connection chat state: which identity the
// connection speaks for and how fast it may post.
package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMessageInterval is the minimum gap between two accepted chat
// messages on one connection.
const DefaultMessageInterval = 250 * time.Millisecond

// Session is the state of one connection. A session starts anonymous and
// becomes identified by its first successful hello; the identity can never
// change afterwards.
type Session struct {
	mu      sync.RWMutex
	key     string
	closed  bool
	limiter *rate.Limiter
}

// New creates an anonymous session whose chat messages are spaced at least
// interval apart.
func New(interval time.Duration) *Session {
	if interval <= 0 {
		interval = DefaultMessageInterval
	}
	return &Session{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Identify binds the session to key. newly reports whether this call made
// the binding; ok is false when the session is already bound to a different
// key or has been closed, in which case nothing changes.
func (s *Session) Identify(key string) (newly bool, ok bool) {
	return s.Bind(key, nil)
}

// Bind is Identify with a hook that runs under the session lock when this
// call makes the binding. A concurrent Close therefore either sees the
// binding and its hook or prevents both.
func (s *Session) Bind(key string, onBind func()) (newly bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}
	switch s.key {
	case "":
		s.key = key
		if onBind != nil {
			onBind()
		}
		return true, true
	case key:
		return false, true
	default:
		return false, false
	}
}

// Close marks the connection gone and returns the bound identity, if any.
// Later binds fail.
func (s *Session) Close() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return s.key
}

// Key returns the bound identity or an empty string.
func (s *Session) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// Identified reports whether a hello has bound the session.
func (s *Session) Identified() bool {
	return s.Key() != ""
}

// AllowMessage reports whether a chat message may be accepted now. An
// accepted call starts a new interval; a rejected one does not.
func (s *Session) AllowMessage() bool {
	return s.limiter.Allow()
}

// CanEdit reports whether this connection may edit the profile of key.
// Anonymous connections may edit any profile they hold the key for.
func (s *Session) CanEdit(key string) bool {
	bound := s.Key()
	return bound == "" || bound == key
}
