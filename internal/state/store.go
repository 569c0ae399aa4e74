// Package state holds the session state machine: a single immutable
// snapshot folded from connection-manager events by a pure reducer,
// plus the intent operations that translate caller actions into wire
// commands.
package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ai-companion/client/internal/bus"
	"github.com/ai-companion/client/internal/model"
	"github.com/ai-companion/client/internal/wire"
)

// Connector is the slice of the connection manager the store needs.
// Accepting an interface keeps the transport substitutable in tests.
type Connector interface {
	Connect(ctx context.Context, userID string) error
	InitSession(sessionID string) bool
	NewSession() bool
	ListSessions() bool
	DeleteSession(sessionID string) bool
	Chat(content string) bool
	ChatAudio(audioB64 string) bool
	Bus() *bus.Bus
}

// Identity persists the user identifier across process restarts. It is
// the only durable value in the system.
type Identity interface {
	SaveUserID(userID string) error
	LoadUserID() (string, error)
}

// AudioSink receives TTS payloads for playback. Implementations
// enforce at-most-one-active-playback.
type AudioSink interface {
	PlayBase64(data, format string) error
	Stop()
}

// Store owns the snapshot. It is the only writer; consumers read
// point-in-time copies via Snapshot or Watch.
type Store struct {
	conn     Connector
	identity Identity
	audio    AudioSink
	log      zerolog.Logger

	mu   sync.Mutex
	snap model.Snapshot

	// pendingCancel detaches the one-shot deferred-send subscription,
	// pendingID tags it for diagnostics. At most one deferred send may
	// be outstanding; the wire protocol carries no request id to
	// correlate session_created frames with their triggering command.
	pendingCancel func()
	pendingID     string

	watchMu  sync.Mutex
	watchers map[uint64]func(model.Snapshot)
	watchSeq uint64

	unsubscribe func()
}

// Options carries the store's optional collaborators.
type Options struct {
	Identity Identity
	Audio    AudioSink
	Logger   zerolog.Logger
}

// NewStore builds a store bound to the given connection manager and
// subscribes it to the manager's event bus.
func NewStore(conn Connector, opts Options) *Store {
	s := &Store{
		conn:     conn,
		identity: opts.Identity,
		audio:    opts.Audio,
		log:      opts.Logger.With().Str("component", "state").Logger(),
		snap:     model.NewSnapshot(),
		watchers: make(map[uint64]func(model.Snapshot)),
	}
	if s.identity != nil {
		if userID, err := s.identity.LoadUserID(); err != nil {
			s.log.Warn().Err(err).Msg("failed to load persisted user id")
		} else if userID != "" {
			s.snap.UserID = userID
		}
	}
	// The wildcard carries decoded inbound frames only; connection
	// lifecycle pseudo-events arrive under their own names.
	_, offMessage := conn.Bus().On(wire.EventMessage, s.handleEvent)
	_, offConnected := conn.Bus().On(wire.EventConnected, s.handleEvent)
	_, offDisconnected := conn.Bus().On(wire.EventDisconnected, s.handleEvent)
	s.unsubscribe = func() {
		offMessage()
		offConnected()
		offDisconnected()
	}
	return s
}

// Close detaches the store from the bus and cancels any pending
// deferred send.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancelPending()
}

// cancelPending detaches an armed deferred-send subscription, if any.
func (s *Store) cancelPending() {
	s.mu.Lock()
	cancel := s.pendingCancel
	s.pendingCancel = nil
	s.pendingID = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current state. The value is immutable; treat
// the contained slices as read-only.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Watch registers a callback invoked with each new snapshot. It
// returns an unsubscribe closure.
func (s *Store) Watch(fn func(model.Snapshot)) func() {
	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = fn
	s.watchMu.Unlock()
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

// handleEvent folds one bus event into the snapshot. The reducer's
// effect is applied as a single atomic snapshot replacement before the
// next event is processed.
func (s *Store) handleEvent(f *wire.Frame) {
	if f == nil {
		return
	}
	if f.Type == wire.TypeAudio {
		// Not a transcript mutation; hand the payload to playback.
		if s.audio != nil {
			if err := s.audio.PlayBase64(f.Data, f.Format); err != nil {
				s.log.Warn().Err(err).Msg("audio playback failed")
			}
		}
		return
	}
	s.apply(f)
}

func (s *Store) apply(f *wire.Frame) {
	s.mu.Lock()
	s.snap = Reduce(s.snap, f)
	snap := s.snap
	s.mu.Unlock()
	s.notify(snap)
}

// mutate applies an intent-level change outside the reducer.
func (s *Store) mutate(fn func(*model.Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	snap := s.snap
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Store) notify(snap model.Snapshot) {
	s.watchMu.Lock()
	fns := make([]func(model.Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Connect opens the transport for the given user, persists the
// identifier if it changed, and requests the session roster on
// success. On failure the snapshot shows a generic connection error.
func (s *Store) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return model.ErrEmptyUserID
	}

	s.mutate(func(snap *model.Snapshot) {
		snap.Connection = model.ConnectionConnecting
		snap.UserID = userID
		snap.LastError = ""
	})
	if s.identity != nil {
		if err := s.identity.SaveUserID(userID); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist user id")
		}
	}

	if err := s.conn.Connect(ctx, userID); err != nil {
		s.mutate(func(snap *model.Snapshot) {
			snap.Connection = model.ConnectionDisconnected
			snap.LastError = "connection failed"
		})
		return err
	}

	s.conn.ListSessions()
	return nil
}

// SwitchUser clears all per-user state synchronously, so stale data is
// never visible mid-transition, then connects as the new user.
func (s *Store) SwitchUser(ctx context.Context, newUserID string) error {
	if newUserID == "" {
		return model.ErrEmptyUserID
	}
	// A deferred send belongs to the previous user's conversation; it
	// must never be released into the new user's first session.
	s.cancelPending()
	s.mutate(func(snap *model.Snapshot) {
		snap.Sessions = nil
		snap.Transcript = nil
		snap.ActiveSessionID = ""
		snap.Emotion = ""
	})
	return s.Connect(ctx, newUserID)
}

// CreateSession starts a fresh conversation. The new session id is
// only known once the service's session_created frame arrives.
func (s *Store) CreateSession() {
	s.mutate(func(snap *model.Snapshot) {
		snap.Transcript = nil
	})
	s.conn.NewSession()
}

// SwitchSession activates another session. Switching to the already
// active session is a no-op; otherwise the transcript is repopulated
// by the session_loaded frame.
func (s *Store) SwitchSession(sessionID string) {
	s.mu.Lock()
	if s.snap.ActiveSessionID == sessionID {
		s.mu.Unlock()
		return
	}
	s.snap.Loading = true
	s.snap.Transcript = nil
	snap := s.snap
	s.mu.Unlock()
	s.notify(snap)

	s.conn.InitSession(sessionID)
}

// DeleteSession requests a delete. Roster removal happens only upon
// the service's session_deleted confirmation, never optimistically.
func (s *Store) DeleteSession(sessionID string) {
	s.conn.DeleteSession(sessionID)
}

// SendMessage sends a text message. Blank content is rejected without
// any side effect. With an active session the user message is echoed
// into the transcript immediately. Without one, a new_session command
// goes out first and the echo plus chat command wait for the next
// session_created confirmation via a one-shot subscription; only one
// deferred send may be outstanding at a time.
func (s *Store) SendMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return model.ErrEmptyContent
	}
	if s.audio != nil {
		s.audio.Stop()
	}

	s.mu.Lock()
	hasActive := s.snap.ActiveSessionID != ""
	if !hasActive && s.pendingCancel != nil {
		s.mu.Unlock()
		return model.ErrSendPending
	}
	s.mu.Unlock()

	if hasActive {
		s.appendLocalUser(content)
		s.conn.Chat(content)
		return nil
	}

	pendingID := uuid.New().String()
	_, cancel := s.conn.Bus().Once(string(wire.TypeSessionCreated), func(f *wire.Frame) {
		s.mu.Lock()
		s.pendingCancel = nil
		s.pendingID = ""
		s.mu.Unlock()

		s.appendLocalUser(content)
		s.conn.Chat(content)
		s.log.Debug().Str("pending_id", pendingID).Str("session_id", f.SessionID).
			Msg("deferred send released")
	})

	s.mu.Lock()
	s.pendingCancel = cancel
	s.pendingID = pendingID
	s.mu.Unlock()

	if !s.conn.NewSession() {
		s.cancelPending()
		return model.ErrNotConnected
	}
	return nil
}

// SendAudioMessage ships a recorded utterance. Nothing is appended to
// the transcript; the service echoes the transcription back via
// user_message_echo.
func (s *Store) SendAudioMessage(audioB64 string) error {
	if audioB64 == "" {
		return model.ErrEmptyContent
	}
	if s.audio != nil {
		s.audio.Stop()
	}
	if !s.conn.ChatAudio(audioB64) {
		return model.ErrNotConnected
	}
	return nil
}

func (s *Store) appendLocalUser(content string) {
	s.mutate(func(snap *model.Snapshot) {
		snap.Transcript = appendMessage(snap.Transcript, model.Message{
			Role:      model.RoleUser,
			Content:   content,
			CreatedAt: time.Now(),
		})
	})
}
