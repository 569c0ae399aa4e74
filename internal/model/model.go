// Package model defines the client-visible domain types: connection
// state, the session roster, transcript messages, and the immutable
// snapshot aggregate.
package model

import (
	"time"

	"github.com/ai-companion/client/internal/wire"
)

// ConnectionState tracks the transport lifecycle. It is driven
// exclusively by transport events, never set directly by intents.
type ConnectionState string

const (
	ConnectionIdle         ConnectionState = "idle"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one roster entry. Roster order is server-dictated:
// newest-first on creation, otherwise whatever the list frame provides.
type Session struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// SessionFromWire converts a roster record off the wire.
func SessionFromWire(rec wire.SessionRec) Session {
	s := Session{
		ID:           rec.ID,
		CreatedAt:    wire.ParseTime(rec.CreatedAt),
		UpdatedAt:    wire.ParseTime(rec.UpdatedAt),
		MessageCount: rec.MessageCount,
	}
	if rec.Title != nil {
		s.Title = *rec.Title
	}
	return s
}

// Message is one transcript entry. While IsStreaming is true the
// content is append-only; it may shrink only once, at finalization,
// when the server supplies authoritative final content.
type Message struct {
	ID          string
	Role        Role
	Content     string
	CreatedAt   time.Time
	IsStreaming bool
	Emotion     string
}

// MessageFromWire converts a persisted message off the wire. Unknown
// roles default to assistant so a transcript never loses entries.
func MessageFromWire(rec wire.MessageRec) Message {
	role := Role(rec.Role)
	if role != RoleUser && role != RoleAssistant {
		role = RoleAssistant
	}
	return Message{
		ID:        rec.ID,
		Role:      role,
		Content:   rec.Content,
		CreatedAt: wire.ParseTime(rec.CreatedAt),
	}
}

// Snapshot is the single immutable aggregate of all client-visible
// state. Every mutation produces a new Snapshot; consumers must treat
// the slices as read-only.
type Snapshot struct {
	Connection      ConnectionState
	UserID          string
	Sessions        []Session
	ActiveSessionID string
	Transcript      []Message
	Loading         bool
	LastError       string
	Emotion         string
}

// NewSnapshot returns the process-start default snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{Connection: ConnectionIdle}
}

// ActiveSession returns the roster entry matching the active session
// id, or nil when no session is active.
func (s Snapshot) ActiveSession() *Session {
	for i := range s.Sessions {
		if s.Sessions[i].ID == s.ActiveSessionID {
			return &s.Sessions[i]
		}
	}
	return nil
}

// LastMessage returns the trailing transcript entry, or nil when the
// transcript is empty.
func (s Snapshot) LastMessage() *Message {
	if len(s.Transcript) == 0 {
		return nil
	}
	return &s.Transcript[len(s.Transcript)-1]
}
