package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// HistoryRecord is one session's persisted lifecycle row. Terminal output is
// never stored.
type HistoryRecord struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"projectId"`
	Mode        model.SessionMode  `json:"mode"`
	State       model.SessionState `json:"status"`
	Cwd         string             `json:"cwd"`
	PID         *int               `json:"pid,omitempty"`
	CloseReason string             `json:"closeReason,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	ClosedAt    *time.Time         `json:"closedAt,omitempty"`
}

// SessionRepository provides data access for session history.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const selectColumns = `id, project_id, mode, state, cwd, pid, close_reason, detail, created_at, updated_at, closed_at`

// Create inserts a new history row.
func (r *SessionRepository) Create(ctx context.Context, rec *HistoryRecord) error {
	query := `
		INSERT INTO session_history (id, project_id, mode, state, cwd, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.ProjectID,
		rec.Mode,
		rec.State,
		rec.Cwd,
		rec.PID,
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session history: %w", err)
	}

	return nil
}

// GetByID retrieves a history row by session ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*HistoryRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM session_history WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "session history", "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	return rec, nil
}

// ListByProject returns a project's history rows, newest first. limit <= 0
// means no limit.
func (r *SessionRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*HistoryRecord, error) {
	query := `SELECT ` + selectColumns + `
		FROM session_history
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session history: %w", err)
	}
	defer rows.Close()

	records := []*HistoryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session history: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session history: %w", err)
	}

	return records, nil
}

// UpdateState records a state transition. A non-zero pid is stored too.
// A closed row is final: updating it is a no-op.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state model.SessionState, pid int, at time.Time) error {
	query := `
		UPDATE session_history
		SET state = ?, pid = COALESCE(?, pid), updated_at = ?
		WHERE id = ? AND state != ?
	`

	var pidArg *int
	if pid > 0 {
		pidArg = &pid
	}
	result, err := r.db.ExecContext(ctx, query, state, pidArg, at.UTC(), id, model.SessionStateClosed)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return model.NewError(model.KindNotFound, "session history", "session %s not found", id)
	}
	return nil
}

// MarkClosed records the terminal transition of a session.
func (r *SessionRepository) MarkClosed(ctx context.Context, id, reason, detail string, at time.Time) error {
	query := `
		UPDATE session_history
		SET state = ?, close_reason = ?, detail = COALESCE(NULLIF(?, ''), detail), updated_at = ?, closed_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStateClosed, reason, detail, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close session history: %w", err)
	}
	return expectOneRow(result, id)
}

// SetDetail stores a free-form detail, such as the last error.
func (r *SessionRepository) SetDetail(ctx context.Context, id, detail string, at time.Time) error {
	query := `UPDATE session_history SET detail = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, detail, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session detail: %w", err)
	}
	return expectOneRow(result, id)
}

// DeleteClosedBefore removes closed rows older than cutoff and returns how
// many were removed.
func (r *SessionRepository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM session_history WHERE closed_at IS NOT NULL AND closed_at < ?`

	result, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune session history: %w", err)
	}
	return result.RowsAffected()
}

// Exists checks if a history row exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM session_history WHERE id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session history existence: %w", err)
	}

	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*HistoryRecord, error) {
	rec := &HistoryRecord{}
	var pid sql.NullInt64
	var closeReason, detail sql.NullString
	var closedAt sql.NullTime

	err := s.Scan(
		&rec.ID,
		&rec.ProjectID,
		&rec.Mode,
		&rec.State,
		&rec.Cwd,
		&pid,
		&closeReason,
		&detail,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	rec.CloseReason = closeReason.String
	rec.Detail = detail.String
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	return rec, nil
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewError(model.KindNotFound, "session history", "session %s not found", id)
	}
	return nil
}
