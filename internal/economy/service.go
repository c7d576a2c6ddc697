// Package economy implements the balance ledger and the prefix shop.
package economy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/metrics"
	"github.com/minichat/chat-app/internal/ratelimit"
	"github.com/minichat/chat-app/internal/store"
)

// ErrTooFrequent is returned when an identity accrues balance faster than
// the server allows.
var ErrTooFrequent = errors.New("economy: balance requests too frequent")

// Activator makes an owned prefix active and propagates it.
type Activator interface {
	ApplyPrefixActivation(ctx context.Context, key, prefixID string) (store.Profile, error)
}

// ShopItem is a catalog entry annotated for one identity.
type ShopItem struct {
	catalog.Prefix
	Owned bool `json:"owned"`
}

// Shop is an identity's view of the catalog.
type Shop struct {
	Balance        int64      `json:"balance"`
	ActivePrefixID string     `json:"active_prefix_id"`
	Prefixes       []ShopItem `json:"prefixes"`
}

// Purchase is the outcome of a successful Buy.
type Purchase struct {
	Balance      int64
	AlreadyOwned bool
}

// Service exposes the economy operations.
type Service struct {
	store    store.Store
	catalog  *catalog.Catalog
	limiter  ratelimit.AccrualLimiter
	profiles Activator
	now      func() time.Time
	log      *zap.Logger
}

// NewService wires the economy. limiter may be nil to disable the accrual
// guard.
func NewService(st store.Store, cat *catalog.Catalog, limiter ratelimit.AccrualLimiter, profiles Activator, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		catalog:  cat,
		limiter:  limiter,
		profiles: profiles,
		now:      time.Now,
		log:      logger,
	}
}

// Shop returns the balance, the active prefix and every catalog entry with
// its ownership flag.
func (s *Service) Shop(ctx context.Context, key string) (Shop, error) {
	p, err := s.store.GetProfile(ctx, key)
	if err != nil {
		return Shop{}, fmt.Errorf("economy: shop %s: %w", key, err)
	}
	owned, err := s.store.OwnedPrefixes(ctx, key)
	if err != nil {
		return Shop{}, fmt.Errorf("economy: shop %s: %w", key, err)
	}

	list := s.catalog.List()
	items := make([]ShopItem, len(list))
	for i, prefix := range list {
		items[i] = ShopItem{Prefix: prefix, Owned: owned[prefix.ID]}
	}
	return Shop{
		Balance:        p.Balance,
		ActivePrefixID: p.ActivePrefixID,
		Prefixes:       items,
	}, nil
}

// Accrue adds one unit to the balance and returns the new total.
func (s *Service) Accrue(ctx context.Context, key string) (int64, error) {
	if _, err := s.store.GetProfile(ctx, key); err != nil {
		return 0, fmt.Errorf("economy: accrue %s: %w", key, err)
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, key)
		if err != nil {
			s.log.Debug("accrual limiter degraded", zap.String("key", key), zap.Error(err))
		}
		if !ok {
			metrics.EconomyOps.WithLabelValues("accrue", "limited").Inc()
			return 0, fmt.Errorf("economy: accrue %s: %w", key, ErrTooFrequent)
		}
	}

	balance, err := s.store.AddBalance(ctx, key, 1, s.now())
	if err != nil {
		metrics.EconomyOps.WithLabelValues("accrue", "error").Inc()
		return 0, fmt.Errorf("economy: accrue %s: %w", key, err)
	}
	metrics.EconomyOps.WithLabelValues("accrue", "ok").Inc()
	return balance, nil
}

// Remaining reports how many accruals key has left before the guard
// rejects it. ok is false when the guard is disabled.
func (s *Service) Remaining(ctx context.Context, key string) (n int, ok bool) {
	if s.limiter == nil {
		return 0, false
	}
	n, err := s.limiter.Remaining(ctx, key)
	if err != nil {
		s.log.Debug("accrual quota lookup degraded", zap.String("key", key), zap.Error(err))
	}
	return n, true
}

// Buy purchases prefixID for key. Buying an owned prefix succeeds without a
// debit. The ownership check, insert and debit are one store transaction.
func (s *Service) Buy(ctx context.Context, key, prefixID string) (Purchase, error) {
	prefix, err := s.catalog.Lookup(prefixID)
	if err != nil {
		return Purchase{}, fmt.Errorf("economy: buy %s: %w", key, err)
	}

	balance, already, err := s.store.Purchase(ctx, key, prefix.ID, prefix.Price, s.now())
	if err != nil {
		result := "error"
		if errors.Is(err, store.ErrInsufficientFunds) {
			result = "no_funds"
		}
		metrics.EconomyOps.WithLabelValues("buy", result).Inc()
		return Purchase{}, fmt.Errorf("economy: buy %s: %w", key, err)
	}

	metrics.EconomyOps.WithLabelValues("buy", "ok").Inc()
	if !already {
		s.log.Info("prefix purchased",
			zap.String("key", key),
			zap.String("prefix", prefix.ID),
			zap.Int64("balance", balance))
	}
	return Purchase{Balance: balance, AlreadyOwned: already}, nil
}

// Activate makes an owned prefix active and returns the updated profile.
func (s *Service) Activate(ctx context.Context, key, prefixID string) (store.Profile, error) {
	p, err := s.profiles.ApplyPrefixActivation(ctx, key, prefixID)
	if err != nil {
		metrics.EconomyOps.WithLabelValues("activate", "error").Inc()
		return store.Profile{}, err
	}
	metrics.EconomyOps.WithLabelValues("activate", "ok").Inc()
	return p, nil
}

// Label returns the display label of prefixID.
func (s *Service) Label(prefixID string) string {
	return s.catalog.Label(prefixID)
}
