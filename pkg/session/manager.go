package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound is returned when a session id has no backing file.
var ErrSessionNotFound = errors.New("session not found")

// Manager owns a directory of session files plus a sqlite index used for
// listing and most-recent lookup. The JSONL files remain the source of
// truth; the index is advisory and is repaired on open when it disagrees
// with the filesystem.
type Manager struct {
	dir string
	db  *sql.DB
}

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

const createIndexSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    name TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0
)`

const createIndexUpdatedSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`

// NewManager opens (or creates) the session directory and its index.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session index: %w", err)
	}
	for _, stmt := range []string{createIndexSchemaSQL, createIndexUpdatedSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize session index schema: %w", err)
		}
	}

	m := &Manager{dir: dir, db: db}
	if err := m.reconcile(); err != nil {
		slog.Warn("Session index reconcile failed", "error", err)
	}
	return m, nil
}

// Dir returns the session directory.
func (m *Manager) Dir() string { return m.dir }

// reconcile drops index rows whose files vanished and registers files the
// index has never seen.
func (m *Manager) reconcile() error {
	ctx := context.Background()

	rows, err := m.db.QueryContext(ctx, `SELECT id, path FROM sessions`)
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	var stale []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return err
		}
		if _, err := os.Stat(path); err != nil {
			stale = append(stale, id)
			continue
		}
		known[id] = true
	}
	rows.Close()

	for _, id := range stale {
		if _, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return err
		}
	}

	matches, err := filepath.Glob(filepath.Join(m.dir, "*"+fileExt))
	if err != nil {
		return err
	}
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), fileExt)
		if known[id] {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if _, err := m.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (id, path, name, created_at, updated_at, message_count) VALUES (?, ?, '', ?, ?, 0)`,
			id, path, fi.ModTime(), fi.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

// Create starts a fresh, empty session.
func (m *Manager) Create() (*Session, error) {
	id := uuid.NewString()
	path := sessionFilePath(m.dir, id)
	s, err := create(id, path)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := m.db.Exec(
		`INSERT INTO sessions (id, path, name, created_at, updated_at, message_count) VALUES (?, ?, '', ?, ?, 0)`,
		id, path, now, now); err != nil {
		slog.Warn("Failed to index new session", "session", id, "error", err)
	}
	return s, nil
}

// Open loads an existing session by id.
func (m *Manager) Open(id string) (*Session, error) {
	path := sessionFilePath(m.dir, id)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return open(id, path)
}

// OpenPath loads a session from an arbitrary file path, registering it in
// the index. Used by the stdio surface where the caller names the file.
func (m *Manager) OpenPath(path string) (*Session, error) {
	id := strings.TrimSuffix(filepath.Base(path), fileExt)
	if _, err := os.Stat(path); err != nil {
		s, cerr := create(id, path)
		if cerr != nil {
			return nil, cerr
		}
		m.Touch(s)
		return s, nil
	}
	s, err := open(id, path)
	if err != nil {
		return nil, err
	}
	m.Touch(s)
	return s, nil
}

// Fork copies src's prefix up to atEntryID into a brand new session.
func (m *Manager) Fork(src *Session, atEntryID string) (*Session, error) {
	dst, err := m.Create()
	if err != nil {
		return nil, err
	}
	if err := src.ForkInto(dst, atEntryID); err != nil {
		dst.Close()
		os.Remove(dst.Path())
		return nil, err
	}
	m.Touch(dst)
	return dst, nil
}

// Touch refreshes the index row for s (name, entry count, updated_at).
func (m *Manager) Touch(s *Session) {
	now := time.Now()
	if _, err := m.db.Exec(
		`INSERT INTO sessions (id, path, name, created_at, updated_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at, message_count = excluded.message_count`,
		s.ID(), s.Path(), s.Name(), now, now, s.Len()); err != nil {
		slog.Warn("Failed to update session index", "session", s.ID(), "error", err)
	}
}

// List returns all known sessions, most recently updated first.
func (m *Manager) List() ([]SessionInfo, error) {
	rows, err := m.db.Query(
		`SELECT id, path, name, created_at, updated_at, message_count FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.Path, &info.Name, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// MostRecent opens the most recently updated session, or creates one when
// the directory is empty.
func (m *Manager) MostRecent() (*Session, error) {
	var id string
	err := m.db.QueryRow(`SELECT id FROM sessions ORDER BY updated_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return m.Create()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent session: %w", err)
	}
	s, err := m.Open(id)
	if errors.Is(err, ErrSessionNotFound) {
		return m.Create()
	}
	return s, err
}

// Close releases the index database.
func (m *Manager) Close() error {
	return m.db.Close()
}
