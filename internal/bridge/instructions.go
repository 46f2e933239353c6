package bridge

import (
	"context"
	"fmt"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/session"
)

// Native surface instructions. Each may be called from any goroutine; the
// work runs on the bridge queue and act is resolved there.

// StartCall dials the outgoing call the surface has just allowed.
func (b *Bridge) StartCall(token session.Token, act Action) {
	b.submit("start", act, func() { b.startCall(token, act) })
}

func (b *Bridge) startCall(token session.Token, act Action) {
	rec, ok := b.lookup("start", token)
	if !ok {
		act.Fail()
		return
	}
	if rec.Direction != session.DirectionOutgoing || rec.Destination == "" {
		b.logger.Error("cannot start call", "token", token, "error", ErrNoDestination)
		act.Fail()
		return
	}
	if rec.IsBound() {
		b.logger.Debug("start for a call already dialed", "token", token, "call_id", rec.CallID())
		act.Fulfill()
		return
	}

	callID, err := b.signaling.Dial(rec.Destination, rec.Verification)
	if err != nil {
		b.checkSignaling("dial", token, err)
		if removed, ok := b.registry.Remove(token); ok {
			b.record(removed, models.CallOutcomeFailed)
		}
		act.Fail()
		return
	}
	if err := b.registry.BindCallID(token, callID); err != nil {
		b.logger.Error("binding dialed call", "token", token, "call_id", callID, "error", err)
	}

	b.logger.Info("outgoing call started",
		"token", token,
		"call_id", callID,
		"destination", rec.Destination,
		"verification", rec.Verification,
	)
	b.surface.ReportOutgoingConnecting(token)
	act.Fulfill()
}

// Answer accepts an incoming call. If its signaling call does not exist yet
// the answer is remembered and applied when it binds.
func (b *Bridge) Answer(token session.Token, act Action) {
	b.submit("answer", act, func() { b.answer(token, act) })
}

func (b *Bridge) answer(token session.Token, act Action) {
	rec, ok := b.lookup("answer", token)
	if !ok {
		act.Fulfill()
		return
	}

	call, err := b.callFor(rec)
	if err != nil {
		if markErr := b.registry.MarkAccepted(token); markErr != nil {
			b.logger.Warn("marking session accepted", "token", token, "error", markErr)
		}
		b.logger.Info("answer before signaling call exists, waiting",
			"token", token,
			"call_id", rec.CallID(),
			"timeout", b.cfg.AcceptTimeout,
		)
		b.scheduleBindCheck(token, ruleAcceptBeforeBind, b.cfg.AcceptTimeout)
		act.Fulfill()
		return
	}

	b.checkSignaling("accept", token, b.signaling.Accept(call, call.VideoEnabled()))
	act.Fulfill()
}

// EndCall ends a call from the surface. The session is removed before the
// signaling call is terminated so a repeated end is a no-op.
func (b *Bridge) EndCall(token session.Token, act Action) {
	b.submit("end", act, func() { b.endCall(token, act) })
}

func (b *Bridge) endCall(token session.Token, act Action) {
	act.Fulfill()

	rec, ok := b.registry.Remove(token)
	if !ok {
		b.logger.Debug("end for a session already removed", "token", token)
		return
	}

	outcome := models.CallOutcomeCompleted
	switch {
	case rec.Progress.Connected:
	case rec.Direction == session.DirectionIncoming:
		outcome = models.CallOutcomeDeclined
	default:
		outcome = models.CallOutcomeCancelled
	}
	b.record(rec, outcome)

	id := rec.CallID()
	if id == "" {
		b.logger.Info("session ended before a call id was assigned", "token", token)
		return
	}
	call, found := b.signaling.CallByID(id)
	if !found {
		b.logger.Info("session ended, no signaling call to terminate", "token", token, "call_id", id)
		return
	}
	b.logger.Info("terminating call", "token", token, "call_id", id)
	b.checkSignaling("terminate", token, b.signaling.Terminate(call))
}

// SetHeld holds or resumes a call. Inside a conference, hold means leaving
// the conference and resume means rejoining it.
func (b *Bridge) SetHeld(token session.Token, onHold bool, act Action) {
	b.submit("hold", act, func() { b.setHeld(token, onHold, act) })
}

func (b *Bridge) setHeld(token session.Token, onHold bool, act Action) {
	act.Fulfill()

	_, call, ok := b.resolve("hold", token)
	if !ok {
		return
	}

	if onHold {
		if b.signaling.InConference() {
			b.logger.Info("hold inside conference, leaving conference", "token", token)
			b.checkSignaling("leave_conference", token, b.signaling.LeaveConference())
			return
		}
		if call.LocalConferenceMode() {
			b.logger.Debug("hold ignored, call is in local conference mode", "token", token)
			return
		}
		b.logger.Info("pausing call", "token", token, "call_id", call.CallID())
		b.checkSignaling("pause", token, b.signaling.Pause(call))
		return
	}

	if b.signaling.HasConference() && b.signaling.CallCount() > 1 {
		b.logger.Info("resume with conference present, entering conference", "token", token)
		b.checkSignaling("enter_conference", token, b.signaling.EnterConference())
		return
	}
	b.logger.Info("resuming call", "token", token, "call_id", call.CallID())
	b.checkSignaling("resume", token, b.signaling.Resume(call))
}

// SetMuted toggles the microphone.
func (b *Bridge) SetMuted(token session.Token, muted bool, act Action) {
	b.submit("mute", act, func() {
		b.logger.Info("microphone", "token", token, "muted", muted)
		b.signaling.SetMicEnabled(!muted)
		act.Fulfill()
	})
}

// PlayDigits sends the first digit of digits as DTMF.
func (b *Bridge) PlayDigits(token session.Token, digits string, act Action) {
	b.submit("dtmf", act, func() {
		if _, call, ok := b.resolve("dtmf", token); ok && digits != "" {
			b.logger.Debug("sending dtmf", "token", token, "digit", string(digits[0]))
			b.checkSignaling("dtmf", token, b.signaling.SendDigit(call, digits[0]))
		}
		act.Fulfill()
	})
}

// Group merges every current call into one conference. The paired token is
// only logged.
func (b *Bridge) Group(token, with session.Token, act Action) {
	b.submit("group", act, func() {
		b.logger.Info("merging all calls into conference", "token", token, "with", with)
		b.checkSignaling("add_all_to_conference", token, b.signaling.AddAllToConference())
		act.Fulfill()
	})
}

// TimedOut notes that the surface gave up waiting on an action.
func (b *Bridge) TimedOut(token session.Token, act Action) {
	b.submit("timeout", act, func() {
		b.logger.Warn("native surface timed out performing action", "token", token)
		act.Fulfill()
	})
}

// SetAudioSession forwards audio session activation changes to signaling.
func (b *Bridge) SetAudioSession(active bool) {
	b.submit("audio_session", nil, func() {
		b.logger.Debug("audio session", "active", active)
		b.signaling.ActivateAudioSession(active)
	})
}

// Reset drops every session and terminates each remaining signaling call.
func (b *Bridge) Reset() {
	b.submit("reset", nil, b.reset)
}

func (b *Bridge) reset() {
	records := b.registry.Snapshot()
	for _, snap := range records {
		rec, ok := b.registry.Remove(snap.Token)
		if !ok {
			continue
		}
		b.record(rec, models.CallOutcomeReset)
		id := rec.CallID()
		if id == "" {
			continue
		}
		if call, found := b.signaling.CallByID(id); found {
			b.checkSignaling("terminate", rec.Token, b.signaling.Terminate(call))
		}
	}
	b.logger.Info("native surface reset", "sessions_dropped", len(records))
}

// Dial registers an outgoing call and asks the surface for permission to
// start it. The call is placed when the surface sends StartCall.
func (b *Bridge) Dial(ctx context.Context, destination string, verification bool) (session.Token, error) {
	if destination == "" {
		return session.Token{}, ErrNoDestination
	}

	token := session.NewToken()
	var regErr error
	err := b.queue.Do(ctx, func() {
		if regErr = b.registry.RegisterOutgoing(token, destination, verification); regErr != nil {
			return
		}
		b.surface.RequestStart(token, destination)
	})
	if err != nil {
		return session.Token{}, fmt.Errorf("dialing %s: %w", destination, err)
	}
	if regErr != nil {
		return session.Token{}, fmt.Errorf("dialing %s: %w", destination, regErr)
	}

	b.logger.Info("outgoing call requested",
		"token", token,
		"destination", destination,
		"verification", verification,
	)
	return token, nil
}
