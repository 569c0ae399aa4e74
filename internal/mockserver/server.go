// Package mockserver implements the companion service protocol for
// local development and integration tests: session persistence,
// scripted streaming replies with emotion tags, and TTS audio stubs.
package mockserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ai-companion/client/internal/wire"
)

const (
	sessionListLimit = 50
	historyCount     = 10
	titleRuneLimit   = 20
	deltaRuneSize    = 8
)

var (
	emoTagRe   = regexp.MustCompile(`\[emo:(\w+)\]`)
	emoStripRe = regexp.MustCompile(`\[emo:\w+\]\s*[!?.,~]*`)
	leadPuncRe = regexp.MustCompile(`^[!?.,~\s]+`)
)

// minimalWAV is an empty-but-valid WAV file used as the TTS stub.
var minimalWAV = []byte{
	'R', 'I', 'F', 'F', 36, 0, 0, 0, 'W', 'A', 'V', 'E',
	'f', 'm', 't', ' ', 16, 0, 0, 0, 1, 0, 1, 0,
	0x40, 0x1f, 0, 0, 0x80, 0x3e, 0, 0, 2, 0, 16, 0,
	'd', 'a', 't', 'a', 0, 0, 0, 0,
}

// ReplyFunc produces the assistant's raw reply (emotion tag included)
// for a user utterance. Tests install scripted replies.
type ReplyFunc func(userContent string) string

// TranscribeFunc turns an audio payload into text. The default treats
// UTF-8 payloads as their own transcription.
type TranscribeFunc func(audio []byte) string

// Server is the mock companion service.
type Server struct {
	repo       *Repository
	reply      ReplyFunc
	transcribe TranscribeFunc
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	engine     *gin.Engine
}

// Options configures the server.
type Options struct {
	Reply      ReplyFunc
	Transcribe TranscribeFunc
	Logger     zerolog.Logger
}

// New builds a server over the given repository.
func New(repo *Repository, opts Options) *Server {
	if opts.Reply == nil {
		opts.Reply = defaultReply
	}
	if opts.Transcribe == nil {
		opts.Transcribe = defaultTranscribe
	}
	s := &Server{
		repo:       repo,
		reply:      opts.Reply,
		transcribe: opts.Transcribe,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: opts.Logger.With().Str("component", "mockserver").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws/chat", s.handleWS)

	api := r.Group("/api")
	{
		api.GET("/sessions/:user_id", s.handleListSessions)
		api.GET("/sessions/:user_id/:session_id/messages", s.handleSessionMessages)
	}
	s.engine = r
	return s
}

// Handler returns the HTTP handler, for mounting on a test server.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

func defaultReply(userContent string) string {
	return "You said: " + userContent + " [emo:happy]"
}

func defaultTranscribe(audio []byte) string {
	if utf8.Valid(audio) && len(audio) > 0 {
		return string(audio)
	}
	return "(voice message)"
}

// client tracks one WebSocket connection's conversational state.
type client struct {
	conn      *websocket.Conn
	userID    string
	sessionID string
	writeMu   sync.Mutex
}

func (c *client) send(f wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) sendError(message, code string) {
	_ = c.send(wire.Frame{Type: wire.TypeError, Code: code, Message: message})
}

func (s *Server) handleWS(g *gin.Context) {
	userID := g.Query("user_id")
	if userID == "" {
		g.String(http.StatusBadRequest, "Missing user_id parameter")
		return
	}

	conn, err := s.upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{conn: conn, userID: userID}
	s.log.Info().Str("user_id", userID).Msg("client connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info().Str("user_id", userID).Msg("client disconnected")
			return
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			c.sendError("invalid JSON", "INVALID_JSON")
			continue
		}

		ctx := g.Request.Context()
		switch frame.Type {
		case wire.TypeInitSession:
			s.handleInitSession(ctx, c, frame.SessionID)
		case wire.TypeNewSession:
			s.handleInitSession(ctx, c, "")
		case wire.TypeListSessions:
			s.handleList(ctx, c)
		case wire.TypeDeleteSession:
			s.handleDelete(ctx, c, frame.SessionID)
		case wire.TypeChat:
			content := ""
			if frame.Content != nil {
				content = *frame.Content
			}
			s.handleChat(ctx, c, content)
		case wire.TypeChatAudio:
			s.handleChatAudio(ctx, c, frame.Audio)
		default:
			c.sendError("unknown message type: "+string(frame.Type), "UNKNOWN_TYPE")
		}
	}
}

func (s *Server) handleInitSession(ctx context.Context, c *client, sessionID string) {
	if sessionID != "" {
		row, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			c.sendError("session "+sessionID+" not found", "SESSION_NOT_FOUND")
			return
		}
		msgs, err := s.repo.RecentMessages(ctx, sessionID, historyCount)
		if err != nil {
			c.sendError(err.Error(), "DB_ERROR")
			return
		}
		recs := make([]wire.MessageRec, 0, len(msgs))
		for i := range msgs {
			recs = append(recs, msgs[i].ToWire())
		}
		c.sessionID = sessionID
		frame := wire.Frame{Type: wire.TypeSessionLoaded, SessionID: sessionID, Messages: recs}
		if row.Title.Valid {
			title := row.Title.String
			frame.Title = &title
		}
		_ = c.send(frame)
		return
	}

	row, err := s.repo.CreateSession(ctx, c.userID)
	if err != nil {
		c.sendError(err.Error(), "DB_ERROR")
		return
	}
	c.sessionID = row.ID
	_ = c.send(wire.Frame{Type: wire.TypeSessionCreated, SessionID: row.ID})
}

func (s *Server) handleList(ctx context.Context, c *client) {
	rows, err := s.repo.ListSessions(ctx, c.userID, sessionListLimit)
	if err != nil {
		c.sendError(err.Error(), "DB_ERROR")
		return
	}
	recs := make([]wire.SessionRec, 0, len(rows))
	for i := range rows {
		count, err := s.repo.CountMessages(ctx, rows[i].ID)
		if err != nil {
			c.sendError(err.Error(), "DB_ERROR")
			return
		}
		recs = append(recs, rows[i].ToWire(count))
	}
	_ = c.send(wire.Frame{Type: wire.TypeSessionList, Sessions: recs})
}

func (s *Server) handleDelete(ctx context.Context, c *client, sessionID string) {
	if sessionID == "" {
		c.sendError("missing session_id", "MISSING_PARAM")
		return
	}
	ok, err := s.repo.DeleteSession(ctx, sessionID)
	if err != nil {
		c.sendError(err.Error(), "DB_ERROR")
		return
	}
	if !ok {
		c.sendError("session not found", "SESSION_NOT_FOUND")
		return
	}
	if c.sessionID == sessionID {
		c.sessionID = ""
	}
	_ = c.send(wire.Frame{Type: wire.TypeSessionDeleted, SessionID: sessionID})
}

func (s *Server) handleChat(ctx context.Context, c *client, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		c.sendError("message content is empty", "EMPTY_CONTENT")
		return
	}
	if c.sessionID == "" {
		c.sendError("initialize a session first", "NO_SESSION")
		return
	}

	if _, err := s.repo.CreateMessage(ctx, c.sessionID, "user", content, nil, nil); err != nil {
		c.sendError(err.Error(), "CHAT_ERROR")
		return
	}
	s.maybeTitle(ctx, c.sessionID, content)

	raw := s.reply(content)
	for _, delta := range splitDeltas(raw, deltaRuneSize) {
		_ = c.send(wire.Frame{Type: wire.TypeStream, Delta: delta})
	}

	emotion := ""
	if m := emoTagRe.FindStringSubmatch(raw); m != nil {
		emotion = m[1]
	}
	clean := cleanReply(raw)

	_ = c.send(wire.Frame{Type: wire.TypeStreamEnd, Emo: emotion, Content: &clean})

	if _, err := s.repo.CreateMessage(ctx, c.sessionID, "assistant", clean, &raw, nil); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist assistant message")
	}
	_ = s.repo.TouchSession(ctx, c.sessionID)

	_ = c.send(wire.Frame{
		Type:   wire.TypeAudio,
		Data:   base64.StdEncoding.EncodeToString(minimalWAV),
		Format: "wav",
	})
}

func (s *Server) handleChatAudio(ctx context.Context, c *client, audioB64 string) {
	if audioB64 == "" {
		c.sendError("missing audio data", "MISSING_AUDIO")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		c.sendError("speech recognition failed: bad audio payload", "ASR_ERROR")
		return
	}

	text := s.transcribe(decoded)
	_ = c.send(wire.Frame{Type: wire.TypeUserMessageEcho, Content: &text})
	s.handleChat(ctx, c, text)
}

// maybeTitle derives the session title from the first user message.
func (s *Server) maybeTitle(ctx context.Context, sessionID, content string) {
	row, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || row.Title.Valid {
		return
	}
	title := content
	if runes := []rune(title); len(runes) > titleRuneLimit {
		title = string(runes[:titleRuneLimit])
	}
	if err := s.repo.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		s.log.Warn().Err(err).Msg("failed to set session title")
	}
}

// splitDeltas chunks a reply into rune-safe stream deltas.
func splitDeltas(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// cleanReply strips the emotion tag and any punctuation left dangling
// around it.
func cleanReply(raw string) string {
	clean := emoStripRe.ReplaceAllString(raw, "")
	clean = leadPuncRe.ReplaceAllString(clean, "")
	return strings.TrimSpace(clean)
}

// HTTP endpoints mirror the service's read-only API.

func (s *Server) handleListSessions(g *gin.Context) {
	userID := g.Param("user_id")
	rows, err := s.repo.ListSessions(g.Request.Context(), userID, sessionListLimit)
	if err != nil {
		g.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recs := make([]wire.SessionRec, 0, len(rows))
	for i := range rows {
		count, err := s.repo.CountMessages(g.Request.Context(), rows[i].ID)
		if err != nil {
			g.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		recs = append(recs, rows[i].ToWire(count))
	}
	g.JSON(http.StatusOK, gin.H{"sessions": recs})
}

func (s *Server) handleSessionMessages(g *gin.Context) {
	userID := g.Param("user_id")
	sessionID := g.Param("session_id")

	row, err := s.repo.GetSession(g.Request.Context(), sessionID)
	if err != nil || row.UserID != userID {
		g.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	msgs, err := s.repo.MessagesBySession(g.Request.Context(), sessionID, sessionListLimit)
	if err != nil {
		g.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recs := make([]wire.MessageRec, 0, len(msgs))
	for i := range msgs {
		recs = append(recs, msgs[i].ToWire())
	}
	g.JSON(http.StatusOK, gin.H{"messages": recs})
}
