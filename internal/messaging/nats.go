// Package messaging relays room-wide broadcasts between chat server nodes
// over NATS. Every node publishes its outbound frames on one subject and
// subscribes to the same subject to receive its peers' frames.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject carries room broadcasts between nodes.
const DefaultSubject = "minichat.broadcast"

// ErrAlreadySubscribed is returned when a second broadcast handler is
// registered on the same client.
var ErrAlreadySubscribed = errors.New("messaging: broadcast handler already registered")

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name shown by the NATS server
	Subject       string        // broadcast subject shared by every node
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 retries forever
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "minichat",
		Subject:       DefaultSubject,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient is the broadcast relay. It satisfies fanout.Relay.
type NATSClient struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSClient connects to NATS. It fails if the first connection attempt
// fails; later disconnects are retried in the background.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	log := logger.Named("nats")

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("relay disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("relay reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}

	log.Info("relay connected",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("subject", config.Subject))
	return &NATSClient{conn: nc, subject: config.Subject, log: log}, nil
}

// PublishBroadcast sends one relay envelope to every node, this one
// included.
func (c *NATSClient) PublishBroadcast(data []byte) error {
	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("messaging: publish: %w", err)
	}
	return nil
}

// SubscribeBroadcast registers the single handler for envelopes published
// by any node. Handlers run on the NATS delivery goroutine.
func (c *NATSClient) SubscribeBroadcast(handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return ErrAlreadySubscribed
	}
	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	return nil
}

// Close drains the subscription so in-flight envelopes are delivered, then
// closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Drain(); err != nil {
			c.log.Warn("relay drain subscription", zap.Error(err))
		}
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("relay drain connection", zap.Error(err))
	}
}
