// Package store persists the user identifier, the only value that
// survives process restarts. Everything else (roster, transcript,
// connection state) is ephemeral and rebuilt from server responses.
package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// IdentityStore keeps the current user id in a small SQLite database.
type IdentityStore struct {
	db *sql.DB
}

// OpenIdentity opens (and migrates) the identity database at path.
func OpenIdentity(path string) (*IdentityStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open identity database")
	}

	// WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS identity (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create identity schema")
	}

	return &IdentityStore{db: db}, nil
}

// SaveUserID stores the identifier, replacing any previous value.
func (s *IdentityStore) SaveUserID(userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO identity (key, value, updated_at) VALUES ('user_id', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, userID)
	return errors.Wrap(err, "save user id")
}

// LoadUserID returns the stored identifier, or "" when none exists.
func (s *IdentityStore) LoadUserID() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM identity WHERE key = 'user_id'`).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "load user id")
	}
	return value, nil
}

// Close releases the database handle.
func (s *IdentityStore) Close() error {
	return s.db.Close()
}
