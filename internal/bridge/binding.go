package bridge

import (
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/session"
)

// bindRule names a bounded wait for a signaling call to appear.
type bindRule string

const (
	ruleAcceptBeforeBind bindRule = "accept_before_bind"
	ruleReportBeforeBind bindRule = "report_before_bind"
)

// scheduleBindCheck re-enters the queue after d and force-ends the session
// if it is still live and unbound at that point.
func (b *Bridge) scheduleBindCheck(token session.Token, rule bindRule, d time.Duration) {
	b.queue.After(d, func() { b.checkBinding(token, rule) })
}

func (b *Bridge) checkBinding(token session.Token, rule bindRule) {
	rec, ok := b.registry.Lookup(token)
	if !ok || rec.IsBound() {
		return
	}
	if _, err := b.callFor(rec); err == nil {
		b.logger.Debug("session bound when wait elapsed", "token", token, "rule", rule)
		return
	}

	removed, ok := b.registry.Remove(token)
	if !ok {
		return
	}
	switch rule {
	case ruleAcceptBeforeBind:
		b.forcedAccept.Add(1)
	case ruleReportBeforeBind:
		b.forcedReport.Add(1)
	}
	b.record(removed, models.CallOutcomeTimedOut)

	b.logger.Warn("no signaling call appeared, ending session",
		"token", token,
		"call_id", removed.CallID(),
		"rule", rule,
	)
	if removed.Progress.Declined {
		// Never displayed, nothing to end on the surface.
		return
	}
	b.surface.EndCall(token, EndReasonRemoteEnded)
}
