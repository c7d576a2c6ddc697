package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimPrefix is the Redis key prefix for notification claims:
//
//	Key:   notify:claim:<identity key>
//	Value: node name that sent the mail
//	TTL:   notification cooldown
const ClaimPrefix = "notify:claim:"

// Claimer lets exactly one node notify an identity per cooldown window.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaimer stores claims as expiring Redis keys.
type RedisClaimer struct {
	client *redis.Client
	node   string
}

// NewRedisClaimer creates a claimer recording node as the claim owner.
func NewRedisClaimer(client *redis.Client, node string) *RedisClaimer {
	return &RedisClaimer{client: client, node: node}
}

// Claim takes the claim for key if nobody holds it.
func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, ClaimPrefix+key, c.node, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("notify: claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the claim so a later sweep may retry.
func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, ClaimPrefix+key).Err(); err != nil {
		return fmt.Errorf("notify: release %s: %w", key, err)
	}
	return nil
}
