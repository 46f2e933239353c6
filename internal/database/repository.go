package database

import (
	"context"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// CallLogFilter narrows a call log listing.
type CallLogFilter struct {
	Direction string
	Outcome   string
	Limit     int
	Offset    int
}

// CallLogRepository stores ended call sessions.
type CallLogRepository interface {
	LogCall(ctx context.Context, entry *models.CallLogEntry) error
	List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error)
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// PushTokenRepository manages device VoIP push registrations.
type PushTokenRepository interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	Latest(ctx context.Context) (*models.PushToken, error)
	DeleteByToken(ctx context.Context, token string) error
}
