// Package pgstore keeps the call log and device push registrations in
// PostgreSQL for deployments that share one database across instances.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ database.CallLogRepository   = (*Store)(nil)
	_ database.PushTokenRepository = (*Store)(nil)
)

// Store implements the database repositories on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var applied bool
		err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.apply(ctx, version, string(content)); err != nil {
			return err
		}
		slog.Info("applied migration", "version", version, "store", "postgresql")
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	return tx.Commit()
}

// LogCall inserts an ended session.
func (s *Store) LogCall(ctx context.Context, e *models.CallLogEntry) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO call_log (token, call_id, direction, destination, verification,
		 outcome, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		e.Token, e.CallID, e.Direction, e.Destination, e.Verification,
		e.Outcome, e.StartedAt, e.EndedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first, and the total
// number of matches.
func (s *Store) List(ctx context.Context, filter database.CallLogFilter) ([]models.CallLogEntry, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		conds = append(conds, fmt.Sprintf("direction = $%d", len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		conds = append(conds, fmt.Sprintf("outcome = $%d", len(args)))
	}
	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT id, token, call_id, direction, destination, verification,
		 outcome, started_at, ended_at
		 FROM call_log WHERE %s ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *Store) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM call_log GROUP BY outcome`)
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

// Upsert stores the push token for a device, replacing any earlier one.
func (s *Store) Upsert(ctx context.Context, t *models.PushToken) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO push_tokens (device_id, token, platform, app_version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (device_id) DO UPDATE SET
		   token = EXCLUDED.token,
		   platform = EXCLUDED.platform,
		   app_version = EXCLUDED.app_version,
		   updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		t.DeviceID, t.Token, t.Platform, t.AppVersion,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}
	return nil
}

// Latest returns the most recently updated registration, or nil.
func (s *Store) Latest(ctx context.Context) (*models.PushToken, error) {
	var t models.PushToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, token, platform, app_version, created_at, updated_at
		 FROM push_tokens ORDER BY updated_at DESC, id DESC LIMIT 1`,
	).Scan(&t.ID, &t.DeviceID, &t.Token, &t.Platform, &t.AppVersion, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest push token: %w", err)
	}
	return &t, nil
}

// DeleteByToken removes a token the push gateway reported as invalid.
func (s *Store) DeleteByToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("deleting push token by value: %w", err)
	}
	return nil
}
