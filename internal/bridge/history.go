package bridge

import (
	"context"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/session"
)

const historyFlushTimeout = 2 * time.Second

// record queues the removed session for the call log. It never blocks the
// bridge queue; entries are dropped when the writer falls behind.
func (b *Bridge) record(rec session.Record, outcome string) {
	if b.history == nil {
		return
	}
	entry := &models.CallLogEntry{
		Token:        rec.Token.String(),
		CallID:       rec.CallID(),
		Direction:    string(rec.Direction),
		Destination:  rec.Destination,
		Verification: rec.Verification,
		Outcome:      outcome,
		StartedAt:    rec.CreatedAt,
		EndedAt:      b.queue.Clock().Now(),
	}
	select {
	case b.history <- entry:
	default:
		b.logger.Warn("call log backlog full, dropping entry", "token", rec.Token, "outcome", outcome)
	}
}

func (b *Bridge) writeHistory(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.flushHistory()
			return
		case entry := <-b.history:
			b.logCall(ctx, entry)
		}
	}
}

func (b *Bridge) flushHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), historyFlushTimeout)
	defer cancel()
	for {
		select {
		case entry := <-b.history:
			b.logCall(ctx, entry)
		default:
			return
		}
	}
}

func (b *Bridge) logCall(ctx context.Context, entry *models.CallLogEntry) {
	if err := b.cfg.History.LogCall(ctx, entry); err != nil {
		b.logger.Error("writing call log entry",
			"token", entry.Token,
			"call_id", entry.CallID,
			"error", err,
		)
	}
}
