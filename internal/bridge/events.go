package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/session"
)

var _ SignalingEvents = (*Bridge)(nil)

// IncomingReceived handles a new incoming signaling call. A session
// announced earlier for the same Call-ID is bound to it; otherwise a new
// session is created and reported to the surface.
func (b *Bridge) IncomingReceived(call Call) {
	b.submit("incoming", nil, func() { b.incomingReceived(call) })
}

func (b *Bridge) incomingReceived(call Call) {
	id := call.CallID()
	if token, rec, ok := b.registry.LookupByCallID(id); ok {
		if rec.IsBound() {
			b.logger.Debug("duplicate incoming call event", "token", token, "call_id", id)
			return
		}
		if err := b.bindCall(rec, call); err != nil {
			b.logger.Error("binding announced call", "token", token, "call_id", id, "error", err)
			return
		}
		b.logger.Info("announced call arrived", "token", token, "call_id", id)
		if !rec.Progress.Declined {
			b.surface.UpdateCall(token, CallUpdate{Handle: call.RemoteHandle(), HasVideo: call.VideoEnabled()})
		}
		return
	}

	token := session.NewToken()
	if err := b.registry.RegisterIncoming(token, id); err != nil {
		b.logger.Error("registering incoming call", "call_id", id, "error", err)
		return
	}
	if err := b.registry.BindCallID(token, id); err != nil {
		b.logger.Error("binding incoming call", "token", token, "call_id", id, "error", err)
		return
	}

	b.logger.Info("incoming call",
		"token", token,
		"call_id", id,
		"from", call.RemoteHandle(),
		"video", call.VideoEnabled(),
	)
	b.reportIncoming(token, call.RemoteHandle(), call.VideoEnabled(), false)
}

// AnnounceIncoming reports an incoming call whose INVITE has not arrived
// yet, for example when a push gateway wakes the device first. If no
// matching signaling call appears within the report timeout the session
// is ended.
func (b *Bridge) AnnounceIncoming(ctx context.Context, callID, handle string, video, silent bool) (session.Token, error) {
	var (
		token  session.Token
		regErr error
	)
	err := b.queue.Do(ctx, func() {
		if existing, _, ok := b.registry.LookupByCallID(callID); ok {
			token = existing
			b.logger.Debug("duplicate announcement", "token", token, "call_id", callID)
			return
		}
		if callID != "" {
			if call, ok := b.signaling.CallByID(callID); ok {
				b.incomingReceived(call)
				token, _, _ = b.registry.LookupByCallID(callID)
				return
			}
		}

		token = session.NewToken()
		if regErr = b.registry.RegisterIncoming(token, callID); regErr != nil {
			return
		}
		b.logger.Info("incoming call announced",
			"token", token,
			"call_id", callID,
			"from", handle,
			"timeout", b.cfg.ReportTimeout,
		)
		b.reportIncoming(token, handle, video, silent)
		b.scheduleBindCheck(token, ruleReportBeforeBind, b.cfg.ReportTimeout)
	})
	if err != nil {
		return session.Token{}, fmt.Errorf("announcing %s: %w", callID, err)
	}
	if regErr != nil {
		return session.Token{}, fmt.Errorf("announcing %s: %w", callID, regErr)
	}
	return token, nil
}

func (b *Bridge) reportIncoming(token session.Token, handle string, video, silent bool) {
	update := CallUpdate{
		Handle:             handle,
		HasVideo:           video,
		SupportsHolding:    true,
		SupportsGrouping:   true,
		SupportsUngrouping: true,
		SupportsDTMF:       true,
	}
	if silent {
		update = CallUpdate{Handle: handle}
	}

	// done may run on this task, before ReportIncoming returns. That
	// result is applied inline; submitting it from here would block once
	// the queue is full.
	var (
		mu      sync.Mutex
		inside  = true
		settled bool
		syncErr error
	)
	b.surface.ReportIncoming(token, update, silent, func(err error) {
		mu.Lock()
		if settled {
			mu.Unlock()
			return
		}
		settled = true
		if inside {
			syncErr = err
			mu.Unlock()
			return
		}
		mu.Unlock()
		if err != nil {
			b.submit("report_failed", nil, func() { b.reportFailed(token, err) })
		}
	})

	mu.Lock()
	inside = false
	err := syncErr
	mu.Unlock()
	if err != nil {
		b.reportFailed(token, err)
	}
}

// reportFailed declines a call the surface refused to display. Filtered
// calls are declined as busy.
func (b *Bridge) reportFailed(token session.Token, cause error) {
	b.reportFailures.Add(1)

	reason := session.DeclineUnknown
	if errors.Is(cause, ErrFilteredByBlockList) || errors.Is(cause, ErrFilteredByDoNotDisturb) {
		reason = session.DeclineBusy
	}

	rec, ok := b.registry.Lookup(token)
	if !ok {
		b.logger.Warn("report failed for a session already removed", "token", token, "error", cause)
		return
	}
	b.logger.Error("native surface refused incoming call",
		"token", token,
		"call_id", rec.CallID(),
		"reason", reason,
		"error", fmt.Errorf("%w: %w", ErrReportFailed, cause),
	)

	if err := b.registry.MarkDeclined(token, reason); err != nil {
		b.logger.Warn("marking session declined", "token", token, "error", err)
		return
	}
	id := rec.CallID()
	if id == "" {
		return
	}
	call, found := b.signaling.CallByID(id)
	if !found {
		return
	}
	if !rec.IsBound() {
		// bindCall applies the decline recorded above.
		rec, _ = b.registry.Lookup(token)
		if err := b.bindCall(rec, call); err != nil {
			b.logger.Error("binding declined call", "token", token, "call_id", id, "error", err)
		}
		return
	}
	b.checkSignaling("decline", token, b.signaling.Decline(call, reason))
}

// CallConnected marks the session connected and reports outgoing calls as
// connected on the surface.
func (b *Bridge) CallConnected(callID string) {
	b.submit("connected", nil, func() {
		token, rec, ok := b.registry.LookupByCallID(callID)
		if !ok {
			b.logger.Warn("connected event for unknown call", "call_id", callID, "error", session.ErrNotFound)
			return
		}
		if err := b.registry.MarkConnected(token); err != nil {
			b.logger.Warn("marking session connected", "token", token, "call_id", callID, "error", err)
			return
		}
		b.logger.Info("call connected", "token", token, "call_id", callID, "direction", rec.Direction)
		if rec.Direction == session.DirectionOutgoing {
			b.surface.ReportOutgoingConnected(token)
		}
	})
}

// CallUpdated forwards a change in remote identity or video to the surface.
func (b *Bridge) CallUpdated(call Call) {
	b.submit("updated", nil, func() {
		token, rec, ok := b.registry.LookupByCallID(call.CallID())
		if !ok || rec.Progress.Declined {
			return
		}
		b.surface.UpdateCall(token, CallUpdate{Handle: call.RemoteHandle(), HasVideo: call.VideoEnabled()})
	})
}

// CallEnded handles a call that ended on the signaling side. Sessions the
// surface ended itself are already gone and are ignored here.
func (b *Bridge) CallEnded(callID string) {
	b.submit("ended", nil, func() {
		token, _, ok := b.registry.LookupByCallID(callID)
		if !ok {
			b.logger.Debug("ended event for a session already removed", "call_id", callID)
			return
		}
		rec, ok := b.registry.Remove(token)
		if !ok {
			return
		}

		switch {
		case rec.Progress.Declined:
			b.record(rec, models.CallOutcomeDeclined)
			b.logger.Info("declined call ended", "token", token, "call_id", callID)
			return
		case rec.Progress.Connected:
			b.record(rec, models.CallOutcomeCompleted)
			b.surface.EndCall(token, EndReasonRemoteEnded)
		case rec.Direction == session.DirectionOutgoing:
			b.record(rec, models.CallOutcomeFailed)
			b.surface.EndCall(token, EndReasonFailed)
		default:
			b.record(rec, models.CallOutcomeUnanswered)
			b.surface.EndCall(token, EndReasonUnanswered)
		}
		b.logger.Info("call ended by peer", "token", token, "call_id", callID)
	})
}
