package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/callbridge/internal/database/models"
)

type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a CallLogRepository backed by SQLite.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

// LogCall inserts an ended session.
func (r *callLogRepo) LogCall(ctx context.Context, e *models.CallLogEntry) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (token, call_id, direction, destination, verification,
		 outcome, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Token, e.CallID, e.Direction, e.Destination, e.Verification,
		e.Outcome, e.StartedAt.UTC(), e.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// List returns entries matching the filter, newest first, and the total
// number of matches.
func (r *callLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error) {
	where := "1=1"
	args := []any{}
	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, token, call_id, direction, destination, verification,
		 outcome, started_at, ended_at
		 FROM call_log WHERE ` + where + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLogEntry
	for rows.Next() {
		var e models.CallLogEntry
		if err := rows.Scan(&e.ID, &e.Token, &e.CallID, &e.Direction, &e.Destination,
			&e.Verification, &e.Outcome, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, total, nil
}

// CountByOutcome returns the number of entries per outcome.
func (r *callLogRepo) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM call_log GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting call log by outcome: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}
