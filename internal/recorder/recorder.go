// Package recorder captures wire traffic as a JSON-Lines log, one
// entry per frame, for replay and debugging of conversations.
package recorder

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/ai-companion/client/internal/wire"
)

// Entry is one recorded frame with its offset from recording start.
// Format per line: {"t": seconds, "dir": "in"|"out", "frame": {...}}
type Entry struct {
	TimeOffset float64    `json:"t"`
	Direction  string     `json:"dir"`
	Frame      wire.Frame `json:"frame"`
}

// Recorder writes entries to a rotating log file. It implements the
// connection manager's Recorder interface.
type Recorder struct {
	mu        sync.Mutex
	writer    io.WriteCloser
	startTime time.Time
	redact    bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRedactedAudio drops base64 audio payloads from recorded frames,
// keeping the log small while preserving frame ordering.
func WithRedactedAudio() Option {
	return func(r *Recorder) { r.redact = true }
}

// New creates a recorder writing to filePath with size-based rotation.
func New(filePath string, opts ...Option) *Recorder {
	r := &Recorder{
		writer: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		},
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewWriter creates a recorder over an arbitrary writer; used in tests.
func NewWriter(w io.WriteCloser, opts ...Option) *Recorder {
	r := &Recorder{writer: w, startTime: time.Now()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one frame to the log. Write failures are swallowed:
// recording must never disturb the conversation itself.
func (r *Recorder) Record(direction string, f wire.Frame) {
	if r.redact {
		if f.Data != "" {
			f.Data = ""
		}
		if f.Audio != "" {
			f.Audio = ""
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Direction:  direction,
		Frame:      f,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = r.writer.Write(append(data, '\n'))
}

// Close flushes and closes the underlying log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Wrap(r.writer.Close(), "close recorder")
}
