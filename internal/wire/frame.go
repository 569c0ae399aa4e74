// Package wire defines the frame protocol spoken between the client and
// the companion service. Every frame is a flat JSON record carrying a
// mandatory "type" discriminator plus type-specific fields.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Type identifies the kind of a frame.
type Type string

const (
	// Client -> Server frame types
	TypeInitSession   Type = "init_session"
	TypeNewSession    Type = "new_session"
	TypeListSessions  Type = "list_sessions"
	TypeDeleteSession Type = "delete_session"
	TypeChat          Type = "chat"
	TypeChatAudio     Type = "chat_audio"

	// Server -> Client frame types
	TypeSessionCreated  Type = "session_created"
	TypeSessionLoaded   Type = "session_loaded"
	TypeSessionList     Type = "session_list"
	TypeSessionDeleted  Type = "session_deleted"
	TypeStream          Type = "stream"
	TypeStreamEnd       Type = "stream_end"
	TypeAudio           Type = "audio"
	TypeUserMessageEcho Type = "user_message_echo"
	TypeError           Type = "error"
)

// Transport lifecycle pseudo-events. These never appear on the wire;
// the connection manager publishes them on the event bus alongside
// decoded frames.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"

	// EventMessage is the wildcard event: every inbound frame is
	// republished under it after its specific type.
	EventMessage = "message"
)

// Frame represents one frame exchanged over the transport. Fields are
// a union across all frame types; only those relevant to Type are set.
type Frame struct {
	Type Type `json:"type"`

	SessionID string        `json:"session_id,omitempty"`
	Title     *string       `json:"title,omitempty"`
	Messages  []MessageRec  `json:"messages,omitempty"`
	Sessions  []SessionRec  `json:"sessions,omitempty"`

	// Streaming fields
	Delta   string  `json:"delta,omitempty"`
	Emo     string  `json:"emo,omitempty"`
	Content *string `json:"content,omitempty"`

	// Audio fields (base64 payloads)
	Data   string `json:"data,omitempty"`
	Format string `json:"format,omitempty"`
	Audio  string `json:"audio,omitempty"`

	// Error fields
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event returns the bus event name this frame is published under.
func (f Frame) Event() string {
	return string(f.Type)
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return data, nil
}

// Decode parses a raw inbound frame. Frames without a type discriminator
// are rejected; callers drop them with a diagnostic.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type discriminator")
	}
	return &f, nil
}

// Outbound frame constructors. The connection manager exposes these as
// its verb surface; nothing else should hand-build outbound frames.

// InitSession requests loading an existing session, or creating a new
// one when sessionID is empty.
func InitSession(sessionID string) Frame {
	return Frame{Type: TypeInitSession, SessionID: sessionID}
}

// NewSession requests a fresh session.
func NewSession() Frame {
	return Frame{Type: TypeNewSession}
}

// ListSessions requests the caller's session roster.
func ListSessions() Frame {
	return Frame{Type: TypeListSessions}
}

// DeleteSession requests removal of a session.
func DeleteSession(sessionID string) Frame {
	return Frame{Type: TypeDeleteSession, SessionID: sessionID}
}

// Chat sends a text message into the active session.
func Chat(content string) Frame {
	return Frame{Type: TypeChat, Content: &content}
}

// ChatAudio sends a base64-encoded audio utterance.
func ChatAudio(audioB64 string) Frame {
	return Frame{Type: TypeChatAudio, Audio: audioB64}
}
