// Package conn owns the client's single transport to the companion
// service. It dials, decodes inbound frames onto the event bus,
// exposes the verb-based send surface, and drives the bounded
// reconnection state machine.
package conn

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ai-companion/client/internal/buffer"
	"github.com/ai-companion/client/internal/bus"
	"github.com/ai-companion/client/internal/model"
	"github.com/ai-companion/client/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Audio frames carry
	// base64 WAV payloads, so the limit is generous.
	maxMessageSize = 8 << 20

	// Outbound queue depth before sends start failing.
	sendQueueSize = 256

	defaultReconnectDelay = 3 * time.Second
	defaultMaxReconnects  = 5
	defaultHistorySize    = 64
)

// State is the reconnection state machine's state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateConnected    State = "connected"
)

// Transport is the subset of a WebSocket connection the manager needs.
// *websocket.Conn satisfies it; tests substitute doubles.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a transport to the given URL.
type Dialer func(ctx context.Context, rawURL string) (Transport, error)

// DefaultDialer dials with gorilla's websocket dialer.
func DefaultDialer(ctx context.Context, rawURL string) (Transport, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Recorder receives a copy of every frame crossing the wire.
type Recorder interface {
	Record(direction string, f wire.Frame)
}

// Metrics counts wire-level activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	FrameReceived(frameType string)
	FrameSent(frameType string)
	DecodeFailure()
	ReconnectScheduled()
}

// Config configures a Manager. ServerURL is the only required field.
type Config struct {
	// ServerURL is the WebSocket endpoint, e.g. "ws://localhost:8000/ws/chat".
	ServerURL string

	ReconnectDelay time.Duration
	MaxReconnects  int
	HistorySize    int

	Dialer   Dialer
	Recorder Recorder
	Metrics  Metrics
	Logger   zerolog.Logger
}

// Manager maintains at most one live transport at a time. All inbound
// frames are decoded once and published on the bus under their specific
// type first, then under the wildcard "message" event.
type Manager struct {
	cfg     Config
	bus     *bus.Bus
	history *buffer.FrameRing
	log     zerolog.Logger

	mu         sync.Mutex
	transport  Transport
	sendCh     chan []byte
	userID     string
	state      State
	attempts   int
	generation uint64
	timer      *time.Timer
}

// NewManager creates a connection manager. It does not dial; call
// Connect to open the transport.
func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	log := cfg.Logger.With().Str("component", "conn").Logger()
	return &Manager{
		cfg:     cfg,
		bus:     bus.New(cfg.Logger),
		history: buffer.NewFrameRing(cfg.HistorySize),
		log:     log,
		state:   StateDisconnected,
	}
}

// Bus returns the manager's event bus for subscribe/unsubscribe.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// History returns the recent-inbound-frame diagnostics ring.
func (m *Manager) History() *buffer.FrameRing { return m.history }

// State returns the reconnection state machine's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the identifier of the last Connect call.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connect establishes a transport for the given user. Connecting while
// already open for the same user is a no-op; for a different user the
// existing transport is closed first so no two transports are ever
// open concurrently. On success a "connected" event is published and
// the reconnect attempt counter resets. A dial failure publishes an
// "error" event and is returned; it does not touch the attempt counter.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return model.ErrEmptyUserID
	}

	m.mu.Lock()
	if m.transport != nil {
		if m.userID == userID {
			m.mu.Unlock()
			return nil
		}
		m.closeTransportLocked()
	}
	m.userID = userID
	m.mu.Unlock()

	endpoint, err := buildURL(m.cfg.ServerURL, userID)
	if err != nil {
		return err
	}

	t, err := m.cfg.Dialer(ctx, endpoint)
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("dial failed")
		f := &wire.Frame{Type: wire.TypeError, Message: err.Error()}
		m.bus.Publish(f.Event(), f)
		return errors.Wrap(err, "connect")
	}

	m.mu.Lock()
	if m.transport != nil {
		// A concurrent Connect won the race; keep the earlier transport.
		m.mu.Unlock()
		_ = t.Close()
		return nil
	}
	m.generation++
	gen := m.generation
	m.transport = t
	m.sendCh = make(chan []byte, sendQueueSize)
	m.state = StateConnected
	m.attempts = 0
	sendCh := m.sendCh
	m.mu.Unlock()

	go m.readPump(t, gen)
	go m.writePump(t, sendCh)

	m.log.Info().Str("user_id", userID).Msg("connected")
	m.bus.Publish(wire.EventConnected, &wire.Frame{Type: wire.Type(wire.EventConnected)})
	return nil
}

func buildURL(serverURL, userID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Close shuts the transport down and cancels any scheduled reconnect.
// The manager stays usable; a later Connect reopens it.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.attempts = m.cfg.MaxReconnects // suppress retries for this close
	m.closeTransportLocked()
	m.state = StateDisconnected
	m.mu.Unlock()
}

// closeTransportLocked tears down the current transport. Callers hold m.mu.
func (m *Manager) closeTransportLocked() {
	if m.transport == nil {
		return
	}
	_ = m.transport.Close()
	m.transport = nil
	if m.sendCh != nil {
		close(m.sendCh)
		m.sendCh = nil
	}
	m.generation++
}

// Send serializes the frame onto the wire. It reports false (with a
// logged diagnostic) when no transport is open or the outbound queue
// is full; it never returns an error. This is a deliberate
// fire-and-forget contract.
func (m *Manager) Send(f wire.Frame) bool {
	data, err := f.Encode()
	if err != nil {
		m.log.Error().Err(err).Str("type", string(f.Type)).Msg("failed to encode frame")
		return false
	}

	// The enqueue happens under the mutex: closeTransportLocked is the
	// only closer of sendCh and it also holds m.mu, so the channel can
	// never be closed out from under this select.
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		m.log.Warn().Str("type", string(f.Type)).Msg("send while disconnected, frame dropped")
		return false
	}
	select {
	case m.sendCh <- data:
		m.mu.Unlock()
	default:
		m.mu.Unlock()
		m.log.Warn().Str("type", string(f.Type)).Msg("send queue full, frame dropped")
		return false
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.FrameSent(string(f.Type))
	}
	if m.cfg.Recorder != nil {
		m.cfg.Recorder.Record("out", f)
	}
	return true
}

// Verb surface. Callers never hand-build outbound frames.

// InitSession asks the service to load a session, or create one when
// sessionID is empty.
func (m *Manager) InitSession(sessionID string) bool { return m.Send(wire.InitSession(sessionID)) }

// NewSession asks the service for a fresh session.
func (m *Manager) NewSession() bool { return m.Send(wire.NewSession()) }

// ListSessions requests the session roster.
func (m *Manager) ListSessions() bool { return m.Send(wire.ListSessions()) }

// DeleteSession asks the service to delete a session.
func (m *Manager) DeleteSession(sessionID string) bool { return m.Send(wire.DeleteSession(sessionID)) }

// Chat sends a text message.
func (m *Manager) Chat(content string) bool { return m.Send(wire.Chat(content)) }

// ChatAudio sends a base64-encoded audio utterance.
func (m *Manager) ChatAudio(audioB64 string) bool { return m.Send(wire.ChatAudio(audioB64)) }

// readPump pumps frames from the transport onto the bus until the
// transport dies, then hands off to the reconnect machinery.
func (m *Manager) readPump(t Transport, gen uint64) {
	t.SetReadLimit(maxMessageSize)
	_ = t.SetReadDeadline(time.Now().Add(pongWait))
	t.SetPongHandler(func(string) error {
		_ = t.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("transport closed")
			}
			m.handleClose(gen)
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping malformed frame")
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.DecodeFailure()
			}
			continue
		}

		m.history.Push(*frame)
		if m.cfg.Recorder != nil {
			m.cfg.Recorder.Record("in", *frame)
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.FrameReceived(string(frame.Type))
		}

		// Specific subscribers observe the frame before generic ones.
		// Lifecycle pseudo-events never appear under the wildcard; it
		// carries decoded inbound frames only.
		m.bus.Publish(frame.Event(), frame)
		m.bus.Publish(wire.EventMessage, frame)
	}
}

// writePump owns all writes to the transport, including keepalive pings.
func (m *Manager) writePump(t Transport, sendCh <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.Close()
	}()

	for {
		select {
		case data, ok := <-sendCh:
			_ = t.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = t.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := t.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClose reacts to a dead transport: publishes "disconnected" and
// schedules a bounded reconnect. Stale generations (a close observed
// after the transport was already replaced) are ignored.
func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.closeTransportLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.bus.Publish(wire.EventDisconnected, &wire.Frame{Type: wire.Type(wire.EventDisconnected)})
	m.scheduleReconnect()
}

// scheduleReconnect arms the fixed-delay retry timer, if the attempt
// ceiling has not been reached. The counter resets only on a
// successful open, so once exhausted the manager stays disconnected
// until the caller issues a fresh Connect.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnects {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.log.Warn().Int("attempts", m.attempts).Msg("reconnect attempts exhausted")
		return
	}
	m.attempts++
	attempt := m.attempts
	m.state = StateReconnecting
	userID := m.userID
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect(userID)
	})
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ReconnectScheduled()
	}
	m.log.Info().Int("attempt", attempt).Int("max", m.cfg.MaxReconnects).
		Msg("reconnect scheduled")
}

// reconnect retries the last-used identifier. A redundant fire after a
// later successful connect is tolerated by Connect's idempotence.
func (m *Manager) reconnect(userID string) {
	if err := m.Connect(context.Background(), userID); err != nil {
		m.scheduleReconnect()
	}
}
