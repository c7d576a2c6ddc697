// Package notify emails identities that have been away for a while when the
// room receives a new message, at most once per cooldown window.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/metrics"
	"github.com/minichat/chat-app/internal/store"
)

// Presence answers whether an identity currently has a live connection.
type Presence interface {
	IsOnline(key string) bool
}

// Recipients is the part of the store the scheduler reads and writes.
type Recipients interface {
	NotifyCandidates(ctx context.Context, excludeKey string) ([]store.Profile, error)
	SetLastNotified(ctx context.Context, key string, at time.Time) error
}

// Config holds the eligibility thresholds.
type Config struct {
	After    time.Duration // minimum time since last seen
	Cooldown time.Duration // minimum time between two mails to one identity
}

// Scheduler runs notification sweeps. Sweeps in one process are
// serialized; Claims, when set, extend that across nodes.
type Scheduler struct {
	cfg      Config
	store    Recipients
	presence Presence
	mailer   Mailer
	claims   Claimer
	mu       sync.Mutex
	now      func() time.Time
	log      *zap.Logger
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClaimer enables cross-node claims.
func WithClaimer(c Claimer) Option {
	return func(s *Scheduler) { s.claims = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config, recipients Recipients, presence Presence, mailer Mailer, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    recipients,
		presence: presence,
		mailer:   mailer,
		now:      time.Now,
		log:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep mails every eligible identity other than senderKey about text. The
// returned error aggregates delivery and bookkeeping failures; skipped
// identities are not errors.
func (s *Scheduler) Sweep(ctx context.Context, senderKey, text string) error {
	if !s.mailer.Enabled() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates, err := s.store.NotifyCandidates(ctx, senderKey)
	if err != nil {
		return fmt.Errorf("notify: candidates: %w", err)
	}

	now := s.now()
	var errs error
	for _, p := range candidates {
		if !s.eligible(p, now) {
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if !s.claim(ctx, p.Key) {
			metrics.NotificationsTotal.WithLabelValues("claimed_elsewhere").Inc()
			continue
		}

		if err := s.mailer.Send(ctx, p.Email, Subject, bodyPrefix+text); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			s.release(p.Key)
			errs = multierr.Append(errs, fmt.Errorf("notify: %s: %w", p.Key, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()

		if err := s.store.SetLastNotified(ctx, p.Key, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("notify: record %s: %w", p.Key, err))
			continue
		}
		s.log.Info("offline notification sent", zap.String("key", p.Key))
	}
	return errs
}

func (s *Scheduler) eligible(p store.Profile, now time.Time) bool {
	if p.Email == "" || s.presence.IsOnline(p.Key) {
		return false
	}
	if p.LastSeen.IsZero() || now.Sub(p.LastSeen) < s.cfg.After {
		return false
	}
	if !p.LastNotified.IsZero() && now.Sub(p.LastNotified) < s.cfg.Cooldown {
		return false
	}
	return true
}

// claim fails open: when the claim store is unreachable the in-process
// lock and last-notified timestamp still bound duplicates.
func (s *Scheduler) claim(ctx context.Context, key string) bool {
	if s.claims == nil {
		return true
	}
	ok, err := s.claims.Claim(ctx, key, s.cfg.Cooldown)
	if err != nil {
		s.log.Warn("notification claim failed, sending anyway", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

func (s *Scheduler) release(key string) {
	if s.claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.claims.Release(ctx, key); err != nil {
		s.log.Warn("notification claim release failed", zap.String("key", key), zap.Error(err))
	}
}
