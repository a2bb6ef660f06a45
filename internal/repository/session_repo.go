// Package repository persists the session ledger.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// SessionRepository provides data access for the session ledger.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const recordColumns = `id, user_id, title, project, cols, rows, status, exit_code, pid, recording_path, created_at, updated_at`

// Create inserts a new ledger row.
func (r *SessionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		INSERT INTO sessions (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Title,
		rec.Project,
		rec.Cols,
		rec.Rows,
		rec.Status,
		rec.ExitCode,
		rec.PID,
		rec.RecordingPath,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var exitCode sql.NullInt64
	var pid sql.NullInt64

	err := s.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Title,
		&rec.Project,
		&rec.Cols,
		&rec.Rows,
		&rec.Status,
		&exitCode,
		&pid,
		&rec.RecordingPath,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	return rec, nil
}

// GetByID retrieves a ledger row by session id.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM sessions WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// History lists a user's sessions, newest first, including killed ones.
// A limit <= 0 means no limit.
func (r *SessionRepository) History(ctx context.Context, userID string, limit int) ([]*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

// UpdateTitle renames a ledger row.
func (r *SessionRepository) UpdateTitle(ctx context.Context, id, title string) error {
	query := `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`
	return r.exec(ctx, "update session title", query, title, time.Now(), id)
}

// UpdateStatus records an exit or a kill.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	query := `
		UPDATE sessions
		SET status = ?, exit_code = COALESCE(?, exit_code), updated_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, "update session status", query, status, exitCode, time.Now(), id)
}

// MarkStaleExited flags rows left active by a previous server process. Their
// shells died with it, so nothing can attach to them anymore.
func (r *SessionRepository) MarkStaleExited(ctx context.Context) (int64, error) {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusExited, time.Now(), model.SessionStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus returns how many ledger rows are in each status.
func (r *SessionRepository) CountByStatus(ctx context.Context) (map[model.SessionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int)
	for rows.Next() {
		var status model.SessionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *SessionRepository) exec(ctx context.Context, what, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}
