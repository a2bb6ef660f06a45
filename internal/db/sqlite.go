// Package db opens the SQLite databases used by the server ledger and the
// client tab store.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// LedgerSchema is the server's session ledger.
const LedgerSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		cols INTEGER NOT NULL,
		rows INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		exit_code INTEGER,
		pid INTEGER,
		recording_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`

// InitDB initializes the process-wide ledger database and runs migrations.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		db, initErr = Open(dbPath, LedgerSchema)
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

// GetDB returns the initialized database connection.
func GetDB() *sql.DB {
	return db
}

// Open opens a SQLite file with WAL and foreign keys enabled and applies
// the given schemas in order.
func Open(dbPath string, schemas ...string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(conn, schemas...); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

func runMigrations(conn *sql.DB, schemas ...string) error {
	for i, schema := range schemas {
		if _, err := conn.Exec(schema); err != nil {
			return fmt.Errorf("failed to apply schema %d: %w", i, err)
		}
	}
	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// ResetDB resets the singleton for testing purposes.
func ResetDB() {
	if db != nil {
		db.Close()
	}
	once = sync.Once{}
	db = nil
}

// NewTestDB creates a fresh in-memory database. With no schemas given it
// carries the ledger schema.
func NewTestDB(schemas ...string) (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	// Every pooled connection would get its own empty :memory: database.
	testDB.SetMaxOpenConns(1)

	if len(schemas) == 0 {
		schemas = []string{LedgerSchema}
	}
	if err := runMigrations(testDB, schemas...); err != nil {
		testDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return testDB, nil
}
