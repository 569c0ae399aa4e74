package mockserver

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/ai-companion/client/internal/model"
	"github.com/ai-companion/client/internal/wire"
)

// SessionRow mirrors the service's sessions table.
type SessionRow struct {
	ID        string
	UserID    string
	Title     sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRow mirrors the service's messages table.
type MessageRow struct {
	ID         string
	SessionID  string
	Role       string
	Content    string
	RawContent sql.NullString
	AudioURL   sql.NullString
	CreatedAt  time.Time
}

// ToWire converts a session row plus its message count to the wire
// roster record.
func (s *SessionRow) ToWire(messageCount int) wire.SessionRec {
	rec := wire.SessionRec{
		ID:           s.ID,
		UserID:       s.UserID,
		CreatedAt:    wire.FormatTime(s.CreatedAt),
		UpdatedAt:    wire.FormatTime(s.UpdatedAt),
		MessageCount: messageCount,
	}
	if s.Title.Valid {
		title := s.Title.String
		rec.Title = &title
	}
	return rec
}

// ToWire converts a message row to the wire record.
func (m *MessageRow) ToWire() wire.MessageRec {
	rec := wire.MessageRec{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: wire.FormatTime(m.CreatedAt),
	}
	if m.RawContent.Valid {
		raw := m.RawContent.String
		rec.RawContent = &raw
	}
	if m.AudioURL.Valid {
		u := m.AudioURL.String
		rec.AudioURL = &u
	}
	return rec
}

// Repository provides session and message persistence for the mock
// service.
type Repository struct {
	db *sql.DB
}

// OpenRepository opens (and migrates) the mock service database. Use
// ":memory:" for throwaway instances in tests.
func OpenRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// A single pooled connection keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_content TEXT,
		audio_url TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	return &Repository{db: db}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateSession inserts a fresh untitled session for the user.
func (r *Repository) CreateSession(ctx context.Context, userID string) (*SessionRow, error) {
	now := time.Now().UTC()
	row := &SessionRow{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?)
	`, row.ID, row.UserID, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return row, nil
}

// GetSession fetches one session by id.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := &SessionRow{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ?
	`, sessionID).Scan(&row.ID, &row.UserID, &row.Title, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	return row, nil
}

// ListSessions returns the user's sessions newest-updated first.
func (r *Repository) ListSessions(ctx context.Context, userID string, limit int) ([]SessionRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at FROM sessions
		WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.ID, &row.UserID, &row.Title, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via cascade, its messages.
func (r *Repository) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, errors.Wrap(err, "delete session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete session")
	}
	return n > 0, nil
}

// UpdateSessionTitle sets the session title and bumps updated_at.
func (r *Repository) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UTC(), sessionID)
	return errors.Wrap(err, "update session title")
}

// TouchSession bumps the session's updated_at.
func (r *Repository) TouchSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ? WHERE id = ?
	`, time.Now().UTC(), sessionID)
	return errors.Wrap(err, "touch session")
}

// CreateMessage persists one message.
func (r *Repository) CreateMessage(ctx context.Context, sessionID, role, content string, rawContent, audioURL *string) (*MessageRow, error) {
	row := &MessageRow{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if rawContent != nil {
		row.RawContent = sql.NullString{String: *rawContent, Valid: true}
	}
	if audioURL != nil {
		row.AudioURL = sql.NullString{String: *audioURL, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, raw_content, audio_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.SessionID, row.Role, row.Content, row.RawContent, row.AudioURL, row.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create message")
	}
	return row, nil
}

// RecentMessages returns the last count messages in chronological order.
func (r *Repository) RecentMessages(ctx context.Context, sessionID string, count int) ([]MessageRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, raw_content, audio_url, created_at FROM (
			SELECT id, session_id, role, content, raw_content, audio_url, created_at, rowid AS rid
			FROM messages WHERE session_id = ? ORDER BY created_at DESC, rid DESC LIMIT ?
		) ORDER BY created_at ASC, rid ASC
	`, sessionID, count)
	if err != nil {
		return nil, errors.Wrap(err, "recent messages")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesBySession returns up to limit messages oldest-first.
func (r *Repository) MessagesBySession(ctx context.Context, sessionID string, limit int) ([]MessageRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, raw_content, audio_url, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "messages by session")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages counts the messages in a session.
func (r *Repository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, errors.Wrap(err, "count messages")
}

func scanMessages(rows *sql.Rows) ([]MessageRow, error) {
	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Role, &row.Content,
			&row.RawContent, &row.AudioURL, &row.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
