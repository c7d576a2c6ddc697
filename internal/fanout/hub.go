// Package fanout delivers server events to every connected client. Events
// are written to local connections first and, when a relay is attached,
// forwarded to peer nodes which deliver them to their own connections.
package fanout

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/metrics"
	"github.com/minichat/chat-app/internal/protocol"
)

// LocalBroadcaster writes a frame to every connection on this node.
type LocalBroadcaster interface {
	Broadcast(msg []byte)
}

// Relay carries envelopes between nodes.
type Relay interface {
	PublishBroadcast(data []byte) error
	SubscribeBroadcast(handler func(data []byte)) error
}

type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Hub encodes events once and fans them out.
type Hub struct {
	local  LocalBroadcaster
	relay  Relay
	origin string
	log    *zap.Logger
}

// NewHub creates a hub for node origin. Without a relay it only reaches
// local connections.
func NewHub(local LocalBroadcaster, origin string, logger *zap.Logger) *Hub {
	return &Hub{local: local, origin: origin, log: logger}
}

// AttachRelay starts forwarding events to and from peer nodes.
func (h *Hub) AttachRelay(relay Relay) error {
	if err := relay.SubscribeBroadcast(h.receive); err != nil {
		return fmt.Errorf("fanout: subscribe relay: %w", err)
	}
	h.relay = relay
	return nil
}

// Publish encodes payload as a msgType server message and delivers it to
// every connection. A relay failure is logged; local delivery has already
// happened by then.
func (h *Hub) Publish(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("fanout: encode %s: %w", msgType, err)
	}
	h.local.Broadcast(data)

	if h.relay == nil {
		return nil
	}
	env, err := json.Marshal(envelope{Origin: h.origin, Data: data})
	if err != nil {
		return fmt.Errorf("fanout: encode envelope: %w", err)
	}
	if err := h.relay.PublishBroadcast(env); err != nil {
		h.log.Warn("relay publish failed", zap.String("type", msgType), zap.Error(err))
		return nil
	}
	metrics.RelayMessages.WithLabelValues("out").Inc()
	return nil
}

func (h *Hub) receive(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.log.Warn("relay envelope rejected", zap.Error(err))
		return
	}
	if env.Origin == h.origin || len(env.Data) == 0 {
		return
	}
	metrics.RelayMessages.WithLabelValues("in").Inc()
	h.local.Broadcast(env.Data)
}
