// Package presence tracks which identities currently hold at least one live
// connection. Several tabs of one identity collapse into a single presence
// signal; only the last disconnect records a last-seen time.
package presence

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/metrics"
)

// LastSeenWriter persists the moment an identity went offline.
type LastSeenWriter interface {
	TouchLastSeen(ctx context.Context, key string, at time.Time) error
}

// Registry is a reference count of live connections per identity. It starts
// empty on every process start.
type Registry struct {
	counts *xsync.Map[string, int]
	store  LastSeenWriter
	now    func() time.Time
	log    *zap.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for last-seen writes.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry that writes last-seen through store.
func NewRegistry(store LastSeenWriter, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		counts: xsync.NewMap[string, int](),
		store:  store,
		now:    time.Now,
		log:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers one more live connection for key and returns the new count.
func (r *Registry) Add(key string) int {
	count, _ := r.counts.Compute(key, func(old int, _ bool) (int, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
	metrics.OnlineIdentities.Set(float64(r.counts.Size()))
	return count
}

// Remove drops one live connection for key. When the count reaches zero the
// entry is deleted and the identity's last-seen time is persisted. Removing
// an identity that is not online is a no-op.
func (r *Registry) Remove(ctx context.Context, key string) (int, error) {
	var wentOffline bool
	count, _ := r.counts.Compute(key, func(old int, loaded bool) (int, xsync.ComputeOp) {
		if !loaded {
			return 0, xsync.CancelOp
		}
		if old <= 1 {
			wentOffline = true
			return 0, xsync.DeleteOp
		}
		return old - 1, xsync.UpdateOp
	})
	metrics.OnlineIdentities.Set(float64(r.counts.Size()))

	if !wentOffline {
		return count, nil
	}
	if err := r.store.TouchLastSeen(ctx, key, r.now()); err != nil {
		r.log.Warn("last seen write failed", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return 0, nil
}

// IsOnline reports whether key has at least one live connection.
func (r *Registry) IsOnline(key string) bool {
	n, ok := r.counts.Load(key)
	return ok && n > 0
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	return r.counts.Size()
}
