package wire

import (
	"time"
)

// Timestamp layouts accepted from the service. The backend emits naive
// ISO-8601 timestamps (no zone), so RFC3339 alone is not enough.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTime parses a wire timestamp, returning the zero time when the
// value is empty or unrecognized.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FormatTime renders a timestamp the way the service does.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.999999")
}

// SessionRec is the wire representation of a session roster entry.
type SessionRec struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Title        *string `json:"title"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	MessageCount int     `json:"message_count"`
}

// MessageRec is the wire representation of a persisted message.
type MessageRec struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	RawContent *string `json:"raw_content,omitempty"`
	AudioURL   *string `json:"audio_url,omitempty"`
	CreatedAt  string  `json:"created_at"`
}
