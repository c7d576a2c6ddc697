package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/chat"
	"github.com/minichat/chat-app/internal/presence"
	"github.com/minichat/chat-app/internal/profile"
	"github.com/minichat/chat-app/internal/protocol"
	"github.com/minichat/chat-app/internal/ws"
)

// handlerTimeout bounds the storage work done for one client event.
const handlerTimeout = 10 * time.Second

// events binds client events to the chat services. Event failures have no
// reply channel; they are logged and the client sees no follow-up event.
type events struct {
	profiles *profile.Service
	chat     *chat.Broadcaster
	presence *presence.Registry
	log      *zap.Logger
}

func (e *events) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeHello, e.hello)
	d.Register(protocol.TypeChatMessage, e.chatMessage)
	d.Register(protocol.TypeUpdateProfile, e.updateProfile)
}

// onConnect sends the room history. A storage failure sends an empty list.
func (e *events) onConnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	history, err := e.chat.History(ctx)
	if err != nil {
		e.log.Warn("history load failed", zap.String("conn", conn.ID), zap.Error(err))
		history = []protocol.ChatMessage{}
	}
	e.send(conn, protocol.TypeChatHistory, protocol.ChatHistoryMsg{Messages: history})
}

// onDisconnect releases the connection's presence reference.
func (e *events) onDisconnect(conn *ws.Connection) {
	key := conn.Session.Close()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := e.presence.Remove(ctx, key); err != nil {
		e.log.Warn("presence remove failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *events) hello(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.HelloMsg)
	if !ok {
		return
	}
	if bound := conn.Session.Key(); bound != "" && bound != m.Key {
		e.log.Debug("hello for another identity ignored", zap.String("conn", conn.ID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	p, err := e.profiles.Hello(ctx, m.Key, m.Nick, m.Lang)
	if err != nil {
		e.log.Warn("hello failed", zap.String("conn", conn.ID), zap.Error(err))
		return
	}

	// The connection may have dropped while the profile was loading. Binding
	// and the presence reference happen together or not at all.
	_, bound := conn.Session.Bind(m.Key, func() { e.presence.Add(m.Key) })
	if !bound {
		return
	}
	e.send(conn, protocol.TypeProfile, e.profiles.ProfileMessage(p))
}

func (e *events) chatMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := e.chat.Submit(ctx, conn.Session, m.Text); err != nil {
		switch {
		case errors.Is(err, chat.ErrNotIdentified),
			errors.Is(err, chat.ErrRateLimited),
			errors.Is(err, chat.ErrEmptyMessage):
			e.log.Debug("chat message dropped", zap.String("conn", conn.ID), zap.Error(err))
		default:
			e.log.Warn("chat message failed", zap.String("conn", conn.ID), zap.Error(err))
		}
	}
}

func (e *events) updateProfile(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UpdateProfileMsg)
	if !ok {
		return
	}
	if !conn.Session.CanEdit(m.Key) {
		e.log.Debug("profile edit for another identity ignored", zap.String("conn", conn.ID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	p, err := e.profiles.ApplyEdit(ctx, m.Key, profile.Edit{Nick: m.Nick, Lang: m.Lang, Email: m.Email})
	if err != nil {
		e.log.Warn("profile edit failed", zap.String("key", m.Key), zap.Error(err))
		return
	}
	e.send(conn, protocol.TypeProfile, e.profiles.ProfileMessage(p))
}

func (e *events) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.log.Error("encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		e.log.Debug("write failed", zap.String("conn", conn.ID), zap.Error(err))
	}
}
