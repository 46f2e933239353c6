package sip

import (
	"context"
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/media"
	"github.com/flowpbx/callbridge/internal/session"
)

// The methods below implement bridge.Signaling. They are called from the
// bridge queue, so anything that needs a round trip runs in the background.

// CallByID returns the live call with the given Call-ID.
func (p *Phone) CallByID(callID string) (bridge.Call, bool) {
	c := p.calls.get(callID)
	if c == nil {
		return nil, false
	}
	return c, true
}

func (p *Phone) lookup(call bridge.Call) (*Call, error) {
	if call == nil {
		return nil, ErrUnknownCall
	}
	c := p.calls.get(call.CallID())
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, call.CallID())
	}
	return c, nil
}

// Accept answers a ringing incoming call.
func (p *Phone) Accept(call bridge.Call, video bool) error {
	c, err := p.lookup(call)
	if err != nil {
		return err
	}
	if !c.resolve(settlement{code: 200, reason: "OK", video: video}) {
		return fmt.Errorf("%w: accept in %s", ErrCallState, c.State())
	}
	return nil
}

// Decline rejects a ringing incoming call: 486 for busy, 603 otherwise.
func (p *Phone) Decline(call bridge.Call, reason session.DeclineReason) error {
	c, err := p.lookup(call)
	if err != nil {
		return err
	}
	s := settlement{code: 603, reason: "Decline"}
	if reason == session.DeclineBusy {
		s = settlement{code: 486, reason: "Busy Here"}
	}
	if !c.resolve(s) {
		return fmt.Errorf("%w: decline in %s", ErrCallState, c.State())
	}
	return nil
}

// Pause puts a confirmed call on hold with a sendonly re-INVITE.
func (p *Phone) Pause(call bridge.Call) error {
	return p.setHold(call, true)
}

// Resume takes a call off hold with a sendrecv re-INVITE.
func (p *Phone) Resume(call bridge.Call) error {
	return p.setHold(call, false)
}

func (p *Phone) setHold(call bridge.Call, hold bool) error {
	c, err := p.lookup(call)
	if err != nil {
		return err
	}
	return p.hold(c, hold)
}

func (p *Phone) hold(c *Call, hold bool) error {
	c.mu.Lock()
	if c.state != CallStateConfirmed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: hold in %s", ErrCallState, state)
	}
	if c.onHold == hold {
		c.mu.Unlock()
		return nil
	}
	c.onHold = hold
	if c.localSDP == nil {
		c.localSDP = media.Offer(p.now().Unix(), p.opts.ExternalIP, p.opts.RTPPort)
	}
	sd := *c.localSDP
	sd.Media = append([]media.MediaDescription(nil), c.localSDP.Media...)
	c.mu.Unlock()

	dir := media.SendRecv
	if hold {
		dir = media.SendOnly
	}
	sd.SetDirection(dir)
	bumpVersion(&sd)

	c.mu.Lock()
	c.localSDP = &sd
	c.mu.Unlock()

	req := c.newInDialogRequest(sip.INVITE, p.contactURI())
	req.AppendHeader(p.newVia())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(sd.Marshal())

	p.logger.Info("sending re-invite", "call_id", c.id, "direction", dir)
	p.goRequest(requestTimeout, func(ctx context.Context) {
		res, err := p.out.send(ctx, req, nil)
		if err != nil {
			p.logger.Warn("re-invite failed", "call_id", c.id, "error", err)
			return
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if err := p.out.write(buildACKFor2xx(req, res)); err != nil {
				p.logger.Error("failed to ack re-invite", "call_id", c.id, "error", err)
			}
			return
		}
		p.logger.Warn("re-invite rejected", "call_id", c.id, "status", res.StatusCode)
	})
	return nil
}

// bumpVersion increments the o= session version, as required for a
// modified offer.
func bumpVersion(sd *media.SessionDescription) {
	v, _ := strconv.ParseInt(sd.Origin.SessionVersion, 10, 64)
	sd.Origin.SessionVersion = strconv.FormatInt(v+1, 10)
}

// SendDigit sends one DTMF digit over SIP INFO.
func (p *Phone) SendDigit(call bridge.Call, digit byte) error {
	c, err := p.lookup(call)
	if err != nil {
		return err
	}
	if c.State() != CallStateConfirmed {
		return fmt.Errorf("%w: dtmf in %s", ErrCallState, c.State())
	}
	body, err := media.RelayBody(media.Digit{Signal: digit})
	if err != nil {
		return err
	}

	req := c.newInDialogRequest(sip.INFO, p.contactURI())
	req.AppendHeader(p.newVia())
	req.AppendHeader(sip.NewHeader("Content-Type", media.ContentTypeDTMFRelay))
	req.SetBody(body)

	p.goRequest(requestTimeout, func(ctx context.Context) {
		res, err := p.out.send(ctx, req, nil)
		if err != nil {
			p.logger.Warn("dtmf info failed", "call_id", c.id, "error", err)
			return
		}
		if res.StatusCode >= 300 {
			p.logger.Warn("dtmf info rejected", "call_id", c.id, "status", res.StatusCode)
		}
	})
	return nil
}

// Terminate ends a call in whatever state it is in: BYE when established,
// 487 when still ringing, CANCEL while dialing.
func (p *Phone) Terminate(call bridge.Call) error {
	c, err := p.lookup(call)
	if err != nil {
		return err
	}
	return p.terminate(c)
}

func (p *Phone) terminate(c *Call) error {
	switch c.State() {
	case CallStateRinging:
		if !c.resolve(settlement{code: 487, reason: "Request Terminated"}) {
			return fmt.Errorf("%w: already settled", ErrCallState)
		}
		return nil

	case CallStateDialing:
		c.mu.Lock()
		cancel := buildCancel(c.invite)
		c.mu.Unlock()
		p.end(c.id, "local_cancel")
		p.goRequest(requestTimeout, func(ctx context.Context) {
			if _, err := p.out.send(ctx, cancel, nil); err != nil {
				p.logger.Debug("cancel failed", "call_id", c.id, "error", err)
			}
			c.cancelDial()
		})
		return nil

	default:
		p.end(c.id, "local_bye")
		p.goRequest(requestTimeout, func(ctx context.Context) { p.sendBye(ctx, c) })
		return nil
	}
}

func (p *Phone) sendBye(ctx context.Context, c *Call) {
	req := c.newInDialogRequest(sip.BYE, p.contactURI())
	req.AppendHeader(p.newVia())
	res, err := p.out.send(ctx, req, nil)
	if err != nil {
		p.logger.Warn("bye failed", "call_id", c.id, "error", err)
		return
	}
	p.logger.Debug("bye answered", "call_id", c.id, "status", res.StatusCode)
}

// EnterConference joins every established call to the logical conference
// and takes the members off hold.
func (p *Phone) EnterConference() error {
	p.confMu.Lock()
	p.inConference = true
	p.confMu.Unlock()
	return p.joinAll()
}

// AddAllToConference joins every established call.
func (p *Phone) AddAllToConference() error {
	return p.joinAll()
}

func (p *Phone) joinAll() error {
	var firstErr error
	for _, c := range p.calls.list() {
		if c.State() != CallStateConfirmed {
			continue
		}
		c.mu.Lock()
		c.member = true
		c.mu.Unlock()
		if err := p.hold(c, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Info("conference joined", "members", p.memberCount())
	return firstErr
}

// LeaveConference parks the conference by holding its members. The calls
// stay members and can be resumed into it.
func (p *Phone) LeaveConference() error {
	p.confMu.Lock()
	p.inConference = false
	p.confMu.Unlock()

	var firstErr error
	for _, c := range p.calls.list() {
		if !c.LocalConferenceMode() {
			continue
		}
		if err := p.hold(c, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Info("conference left", "members", p.memberCount())
	return firstErr
}

// InConference reports whether the conference is active, as opposed to
// parked on hold.
func (p *Phone) InConference() bool {
	p.confMu.Lock()
	defer p.confMu.Unlock()
	return p.inConference
}

// HasConference reports whether any live call is a conference member.
func (p *Phone) HasConference() bool {
	return p.memberCount() > 0
}

func (p *Phone) memberCount() int {
	n := 0
	for _, c := range p.calls.list() {
		if c.LocalConferenceMode() {
			n++
		}
	}
	return n
}

// CallCount returns the number of live calls in any state.
func (p *Phone) CallCount() int {
	return p.calls.count()
}

// SetMicEnabled records the microphone state the surface asked for.
func (p *Phone) SetMicEnabled(enabled bool) {
	p.micEnabled.Store(enabled)
	p.logger.Info("microphone", "enabled", enabled)
}

// MicEnabled reports the microphone state last set by SetMicEnabled.
func (p *Phone) MicEnabled() bool {
	return p.micEnabled.Load()
}

// ActivateAudioSession records whether the device granted the audio session.
func (p *Phone) ActivateAudioSession(active bool) {
	p.audioActive.Store(active)
	p.logger.Info("audio session", "active", active)
}

// AudioSessionActive reports the audio session state.
func (p *Phone) AudioSessionActive() bool {
	return p.audioActive.Load()
}
