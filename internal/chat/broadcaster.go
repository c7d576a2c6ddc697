// Package chat accepts messages from identified connections, stores them
// with the sender's current profile snapshot and fans them out to the room.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/metrics"
	"github.com/minichat/chat-app/internal/protocol"
	"github.com/minichat/chat-app/internal/session"
	"github.com/minichat/chat-app/internal/store"
	"github.com/minichat/chat-app/internal/tasks"
)

var (
	// ErrNotIdentified is returned when the connection has not sent hello.
	ErrNotIdentified = errors.New("chat: connection not identified")

	// ErrRateLimited is returned when the connection posts too fast.
	ErrRateLimited = errors.New("chat: rate limited")
)

// Publisher delivers a server event to every connection.
type Publisher interface {
	Publish(msgType string, payload interface{}) error
}

// Sweeper runs the offline notification pass for a new message.
type Sweeper interface {
	Sweep(ctx context.Context, senderKey, text string) error
}

// Config holds the room limits.
type Config struct {
	HistoryLimit     int
	MaxMessageLength int
}

// Deps are the collaborators of a Broadcaster. Notifier may be nil.
type Deps struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Publisher Publisher
	Tasks     tasks.Spawner
	Notifier  Sweeper
}

// Broadcaster runs the submit pipeline. Persisting and publishing happen
// under one lock, so clients receive messages in id order.
type Broadcaster struct {
	cfg      Config
	store    store.Store
	catalog  *catalog.Catalog
	pub      Publisher
	tasks    tasks.Spawner
	notifier Sweeper
	mu       sync.Mutex
	now      func() time.Time
	log      *zap.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(cfg Config, deps Deps, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		cfg:      cfg,
		store:    deps.Store,
		catalog:  deps.Catalog,
		pub:      deps.Publisher,
		tasks:    deps.Tasks,
		notifier: deps.Notifier,
		now:      time.Now,
		log:      logger,
	}
}

// Submit posts text on behalf of the identity bound to sess. Pruning and the
// notification sweep are started in the background and never affect the
// result.
func (b *Broadcaster) Submit(ctx context.Context, sess *session.Session, text string) (store.Message, error) {
	key := sess.Key()
	if key == "" {
		metrics.MessagesTotal.WithLabelValues("unidentified").Inc()
		return store.Message{}, ErrNotIdentified
	}
	if !sess.AllowMessage() {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return store.Message{}, ErrRateLimited
	}
	clean, err := NormalizeText(text, b.cfg.MaxMessageLength)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("empty").Inc()
		return store.Message{}, err
	}

	start := time.Now()
	msg, err := b.persistAndPublish(ctx, key, clean)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return store.Message{}, err
	}
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	if b.notifier != nil {
		b.tasks.Go("notify", func(ctx context.Context) error {
			return b.notifier.Sweep(ctx, key, msg.Text)
		})
	}
	return msg, nil
}

func (b *Broadcaster) persistAndPublish(ctx context.Context, key, text string) (store.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.store.GetProfile(ctx, key)
	if err != nil {
		return store.Message{}, fmt.Errorf("chat: sender %s: %w", key, err)
	}

	msg, err := b.store.InsertMessage(ctx, store.Message{
		UserKey:   key,
		Nick:      p.Nick,
		AvatarURL: p.AvatarURL,
		Prefix:    b.catalog.Label(p.ActivePrefixID),
		Text:      text,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("chat: insert: %w", err)
	}

	limit := b.cfg.HistoryLimit
	b.tasks.Go("prune", func(ctx context.Context) error {
		n, err := b.store.Prune(ctx, limit)
		if err != nil {
			return fmt.Errorf("chat: prune: %w", err)
		}
		metrics.MessagesPruned.Add(float64(n))
		return nil
	})

	if err := b.pub.Publish(protocol.TypeChatMessage, ToProtocol(msg)); err != nil {
		// Stored but not delivered live; clients still get it with history.
		b.log.Warn("chat_message broadcast failed", zap.Int64("id", msg.ID), zap.Error(err))
	}

	b.log.Debug("message posted",
		zap.Int64("id", msg.ID),
		zap.String("key", key),
		zap.String("nick", msg.Nick))
	return msg, nil
}

// History returns the newest messages, oldest first.
func (b *Broadcaster) History(ctx context.Context) ([]protocol.ChatMessage, error) {
	rows, err := b.store.History(ctx, b.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	out := make([]protocol.ChatMessage, len(rows))
	for i, m := range rows {
		out[i] = ToProtocol(m)
	}
	return out, nil
}

// ToProtocol converts a stored message to its wire form.
func ToProtocol(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:        m.ID,
		UserKey:   m.UserKey,
		Nick:      m.Nick,
		AvatarURL: m.AvatarURL,
		Prefix:    m.Prefix,
		Text:      m.Text,
		Ts:        m.CreatedAt,
	}
}
