package ws

import (
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.HelloMsg,
// protocol.ChatMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers by message type. Pings are answered internally. Malformed and
// unsupported messages are dropped: the event channel has no error reply,
// so the client simply sees no follow-up event.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger,
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("dropped malformed message", zap.String("conn", conn.ID), zap.Error(err))
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("dropped unsupported message", zap.String("conn", conn.ID), zap.String("type", msgType))
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Warn("build pong", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("send pong", zap.String("conn", conn.ID), zap.Error(err))
	}
}
