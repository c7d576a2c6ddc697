// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
//
// Inbound payloads are decoded strictly: unknown fields, wrong types and
// values failing their validation tags are rejected with ErrInvalidPayload
// before any handler sees them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHello         = "hello"
	TypeChatMessage   = "chat_message"
	TypeUpdateProfile = "update_profile"
	TypePing          = "ping"
)

// Server -> Client message types. TypeChatMessage is shared by both
// directions.
const (
	TypeChatHistory = "chat_history"
	TypeProfile     = "profile"
	TypeUserProfile = "user_profile"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HelloMsg identifies the connection. Nick and Lang are suggestions used only
// when the profile is created.
type HelloMsg struct {
	Type string `json:"type"`
	Key  string `json:"key" validate:"required,identkey"`
	Nick string `json:"nick" validate:"max=256"`
	Lang string `json:"lang" validate:"max=16"`
}

// ChatMsg posts a message to the room.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text" validate:"max=65536"`
}

// UpdateProfileMsg edits non-avatar profile fields. Absent fields are left
// unchanged.
type UpdateProfileMsg struct {
	Type  string  `json:"type"`
	Key   string  `json:"key" validate:"required,identkey"`
	Nick  *string `json:"nick" validate:"omitempty,max=256"`
	Lang  *string `json:"lang" validate:"omitempty,max=16"`
	Email *string `json:"email" validate:"omitempty,max=320"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ChatMessage is one broadcast or historical chat line.
type ChatMessage struct {
	ID        int64     `json:"id"`
	UserKey   string    `json:"user_key"`
	Nick      string    `json:"nick"`
	AvatarURL string    `json:"avatar_url"`
	Prefix    string    `json:"prefix"`
	Text      string    `json:"text"`
	Ts        time.Time `json:"ts"`
}

// ChatHistoryMsg is sent once on connect with the retained backlog.
type ChatHistoryMsg struct {
	Messages []ChatMessage `json:"messages"`
}

// ProfileMsg is the owner's full profile, sent after hello and edits.
type ProfileMsg struct {
	Key            string     `json:"key"`
	Nick           string     `json:"nick"`
	Lang           string     `json:"lang"`
	Email          string     `json:"email"`
	AvatarURL      string     `json:"avatar_url"`
	AvatarVer      int64      `json:"avatar_ver"`
	Balance        int64      `json:"balance"`
	ActivePrefixID string     `json:"active_prefix_id"`
	Prefix         string     `json:"prefix"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	LastNotified   *time.Time `json:"last_notified_at,omitempty"`
}

// UserProfileMsg is broadcast to everyone when any identity's visible
// profile changes.
type UserProfileMsg struct {
	Key       string `json:"key"`
	Nick      string `json:"nick"`
	AvatarURL string `json:"avatar_url"`
	Prefix    string `json:"prefix"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types and for payloads failing validation.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		if err = DecodeStrict(env.Raw, &m); err == nil {
			m.Key = NormalizeKey(m.Key)
			err = Validate(&m)
		}
		msg = m
	case TypeChatMessage:
		var m ChatMsg
		if err = DecodeStrict(env.Raw, &m); err == nil {
			err = Validate(&m)
		}
		msg = m
	case TypeUpdateProfile:
		var m UpdateProfileMsg
		if err = DecodeStrict(env.Raw, &m); err == nil {
			m.Key = NormalizeKey(m.Key)
			err = Validate(&m)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = DecodeStrict(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: %s: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload into JSON and injects the "type" field.
// The payload must marshal to a JSON object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}

	typeJSON, _ := json.Marshal(msgType)
	fields["type"] = typeJSON

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return data, nil
}
