package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callbridge/internal/database/models"
)

type pushTokenRepo struct {
	db *DB
}

// NewPushTokenRepository creates a PushTokenRepository backed by SQLite.
func NewPushTokenRepository(db *DB) PushTokenRepository {
	return &pushTokenRepo{db: db}
}

// Upsert stores the push token for a device, replacing any earlier one.
func (r *pushTokenRepo) Upsert(ctx context.Context, token *models.PushToken) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO push_tokens (device_id, token, platform, app_version, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(device_id) DO UPDATE SET
		   token = excluded.token,
		   platform = excluded.platform,
		   app_version = excluded.app_version,
		   updated_at = datetime('now')
		 RETURNING id`,
		token.DeviceID, token.Token, token.Platform, token.AppVersion,
	).Scan(&token.ID)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}
	return nil
}

// Latest returns the most recently updated registration, or nil when no
// device has registered.
func (r *pushTokenRepo) Latest(ctx context.Context) (*models.PushToken, error) {
	var t models.PushToken
	err := r.db.QueryRowContext(ctx,
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
func (r *pushTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting push token by value: %w", err)
	}
	return nil
}
