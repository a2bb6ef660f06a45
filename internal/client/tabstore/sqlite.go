// Package tabstore keeps the client's tab bar across restarts.
package tabstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/client"
	"github.com/remote-agent-terminal/termmux/internal/db"
)

// Schema holds one row per profile plus its tabs in order.
const Schema = `
	CREATE TABLE IF NOT EXISTS tab_state (
		profile TEXT PRIMARY KEY,
		active_id TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tabs (
		profile TEXT NOT NULL REFERENCES tab_state(profile) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		stream_offset INTEGER NOT NULL DEFAULT 0,
		scrollback BLOB,
		PRIMARY KEY (profile, position)
	);
	`

// SQLiteStore is a client.StateStore backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*SQLiteStore, error) {
	conn, err := db.Open(path, Schema)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: conn}, nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: conn}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored state of profile, or an empty State.
func (s *SQLiteStore) Load(ctx context.Context, profile string) (client.State, error) {
	var state client.State

	err := s.db.QueryRowContext(ctx, `SELECT active_id FROM tab_state WHERE profile = ?`, profile).Scan(&state.ActiveID)
	if err == sql.ErrNoRows {
		return client.State{}, nil
	}
	if err != nil {
		return client.State{}, fmt.Errorf("failed to load tab state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, title, stream_offset, scrollback
		FROM tabs WHERE profile = ? ORDER BY position
	`, profile)
	if err != nil {
		return client.State{}, fmt.Errorf("failed to load tabs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tab client.TabState
		var offset int64
		if err := rows.Scan(&tab.SessionID, &tab.Title, &offset, &tab.Scrollback); err != nil {
			return client.State{}, fmt.Errorf("failed to scan tab: %w", err)
		}
		tab.Offset = uint64(offset)
		state.Tabs = append(state.Tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return client.State{}, fmt.Errorf("error iterating tabs: %w", err)
	}
	return state, nil
}

// Save replaces the stored state of profile in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, profile string, state client.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tab_state (profile, active_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET active_id = excluded.active_id, updated_at = excluded.updated_at
	`, profile, state.ActiveID, time.Now()); err != nil {
		return fmt.Errorf("failed to save tab state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE profile = ?`, profile); err != nil {
		return fmt.Errorf("failed to clear tabs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tabs (profile, position, session_id, title, stream_offset, scrollback)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare tab insert: %w", err)
	}
	defer stmt.Close()

	for i, tab := range state.Tabs {
		if _, err := stmt.ExecContext(ctx, profile, i, tab.SessionID, tab.Title, int64(tab.Offset), tab.Scrollback); err != nil {
			return fmt.Errorf("failed to save tab %s: %w", tab.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tab state: %w", err)
	}
	return nil
}
