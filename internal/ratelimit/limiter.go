// Package ratelimit guards balance accrual. The Redis limiter uses a fixed
// INCR + EXPIRE window shared by every node; the memory limiter is a
// per-process token bucket used when Redis is not configured.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:balance:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleBalance allows two balance increments per identity every two seconds,
// which tolerates client timer jitter around the one-per-second cadence.
var RuleBalance = Rule{Key: "rl:balance:", Limit: 2, Window: 2 * time.Second}

// AccrualLimiter decides whether an identity may accrue balance now and
// reports how many accruals it has left.
type AccrualLimiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
	Remaining(ctx context.Context, identifier string) (int, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	log    *zap.Logger
}

// NewLimiter creates a Limiter enforcing rule on the given Redis client.
func NewLimiter(client *redis.Client, rule Rule, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, rule: rule, log: logger}
}

// Allow increments the counter for identifier and sets the window expiry on
// first access. On Redis errors it fails open (returns true) so that an
// outage does not block legitimate traffic; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.rule.Window).Err(); err != nil {
			l.log.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= l.rule.Limit, nil
}

// Remaining returns the number of requests identifier has left in the
// current window. It returns the full limit when the key does not exist or
// Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return l.rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("redis GET failed, failing open", zap.String("key", key), zap.Error(err))
		return l.rule.Limit, err
	}

	remaining := l.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
