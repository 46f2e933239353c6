package sip

import (
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/media"
)

// serverTx is the part of sip.ServerTransaction the handlers use.
type serverTx interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (p *Phone) handleInvite(req *sip.Request, tx sip.ServerTransaction) { p.onInvite(req, tx) }
func (p *Phone) handleAck(req *sip.Request, _ sip.ServerTransaction)     { p.onAck(req) }
func (p *Phone) handleCancel(req *sip.Request, tx sip.ServerTransaction) { p.onCancel(req, tx) }
func (p *Phone) handleBye(req *sip.Request, tx sip.ServerTransaction)    { p.onBye(req, tx) }
func (p *Phone) handleInfo(req *sip.Request, tx sip.ServerTransaction)   { p.onInfo(req, tx) }

// onInvite handles a new incoming call or a re-INVITE inside an existing
// dialog. For a new call it blocks until the call is accepted, declined,
// cancelled or the transaction ends.
func (p *Phone) onInvite(req *sip.Request, tx serverTx) {
	callID := callIDOf(req)
	if callID == "" {
		respond(p.logger, tx, sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil))
		return
	}

	if c := p.calls.get(callID); c != nil {
		p.onReInvite(c, req, tx)
		return
	}

	if !p.acl.Allowed(req.Source()) {
		p.logger.Warn("invite from disallowed peer",
			"call_id", callID,
			"source", req.Source(),
		)
		respond(p.logger, tx, sip.NewResponseFromRequest(req, 403, "Forbidden", nil))
		return
	}

	var offer *media.SessionDescription
	if len(req.Body()) > 0 {
		sd, err := media.Parse(req.Body())
		if err != nil {
			p.logger.Warn("invalid sdp offer", "call_id", callID, "error", err)
			respond(p.logger, tx, sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
			return
		}
		offer = sd
	}

	c := newIncomingCall(callID, req, offer, p.now())
	if !p.calls.add(c) {
		// Retransmission racing the first INVITE.
		return
	}

	respond(p.logger, tx, sip.NewResponseFromRequest(req, 100, "Trying", nil))
	respond(p.logger, tx, c.newResponse(req, 180, "Ringing", nil))

	p.logger.Info("incoming call",
		"call_id", callID,
		"from", c.handle,
		"source", req.Source(),
		"video", c.video,
	)
	p.events.IncomingReceived(c)

	select {
	case s := <-c.settle:
		p.settleIncoming(c, req, tx, s)
	case <-tx.Done():
		if !c.settled.CompareAndSwap(false, true) {
			p.settleIncoming(c, req, tx, <-c.settle)
			return
		}
		p.end(callID, "transaction_ended")
	case <-p.ctx.Done():
		if !c.settled.CompareAndSwap(false, true) {
			p.settleIncoming(c, req, tx, <-c.settle)
			return
		}
		respond(p.logger, tx, c.newResponse(req, 503, "Service Unavailable", nil))
		p.end(callID, "shutdown")
	}
}

// settleIncoming sends the final response chosen for a ringing call.
func (p *Phone) settleIncoming(c *Call, req *sip.Request, tx serverTx, s settlement) {
	if s.code != 200 {
		respond(p.logger, tx, c.newResponse(req, s.code, s.reason, nil))
		p.end(c.id, s.reason)
		return
	}

	local, err := p.localDescription(c)
	if err != nil {
		p.logger.Warn("cannot answer offer", "call_id", c.id, "error", err)
		respond(p.logger, tx, c.newResponse(req, 488, "Not Acceptable Here", nil))
		p.end(c.id, "no_common_codec")
		return
	}

	res := c.newResponse(req, 200, "OK", local.Marshal())
	res.AppendHeader(&sip.ContactHeader{Address: p.contactURI()})

	c.mu.Lock()
	c.state = CallStateAnswered
	c.final = res
	c.localSDP = local
	c.video = c.video && s.video
	c.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		p.logger.Error("failed to send 200 ok", "call_id", c.id, "error", err)
		p.end(c.id, "respond_failed")
		return
	}
	p.logger.Info("call answered", "call_id", c.id)
}

// localDescription answers the remote offer, or makes an offer when the
// INVITE carried none.
func (p *Phone) localDescription(c *Call) (*media.SessionDescription, error) {
	id := p.now().Unix()
	if c.remoteSDP == nil {
		return media.Offer(id, p.opts.ExternalIP, p.opts.RTPPort), nil
	}
	return media.Answer(c.remoteSDP, id, p.opts.ExternalIP, p.opts.RTPPort)
}

// onReInvite answers a session refresh from the peer. A sendonly or
// inactive offer means the peer put us on hold.
func (p *Phone) onReInvite(c *Call, req *sip.Request, tx serverTx) {
	if c.State() != CallStateConfirmed {
		respond(p.logger, tx, sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}

	var body []byte
	if len(req.Body()) > 0 {
		offer, err := media.Parse(req.Body())
		if err != nil {
			respond(p.logger, tx, sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
			return
		}
		ans, err := media.Answer(offer, p.now().Unix(), p.opts.ExternalIP, p.opts.RTPPort)
		if err != nil {
			respond(p.logger, tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
			return
		}
		dir := media.SendRecv
		if a := offer.Audio(); a != nil {
			dir = a.Direction
		}
		c.mu.Lock()
		c.remoteSDP = offer
		c.remoteHold = dir == media.SendOnly || dir == media.Inactive
		c.video = offer.HasVideo()
		if c.onHold {
			ans.SetDirection(media.SendOnly)
		}
		c.mu.Unlock()
		body = ans.Marshal()
	}

	res := c.newResponse(req, 200, "OK", body)
	res.AppendHeader(&sip.ContactHeader{Address: p.contactURI()})
	respond(p.logger, tx, res)

	p.logger.Info("call refreshed by peer", "call_id", c.id)
	p.events.CallUpdated(c)
}

// onAck confirms an answered incoming call. An ACK may carry the answer
// when our 200 OK carried the offer.
func (p *Phone) onAck(req *sip.Request) {
	c := p.calls.get(callIDOf(req))
	if c == nil || c.outgoing {
		return
	}

	c.mu.Lock()
	if c.state != CallStateAnswered {
		c.mu.Unlock()
		return
	}
	c.state = CallStateConfirmed
	if len(req.Body()) > 0 && c.remoteSDP == nil {
		if sd, err := media.Parse(req.Body()); err == nil {
			c.remoteSDP = sd
		}
	}
	c.mu.Unlock()

	p.logger.Info("call confirmed", "call_id", c.id)
	p.events.CallConnected(c.id)
}

// onCancel aborts a ringing incoming call. The INVITE handler sends 487.
func (p *Phone) onCancel(req *sip.Request, tx serverTx) {
	c := p.calls.get(callIDOf(req))
	if c == nil || c.outgoing {
		respond(p.logger, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	respond(p.logger, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))

	if c.resolve(settlement{code: 487, reason: "Request Terminated"}) {
		p.logger.Info("call cancelled by caller", "call_id", c.id)
	}
}

// onBye ends a call hung up by the peer.
func (p *Phone) onBye(req *sip.Request, tx serverTx) {
	c := p.calls.get(callIDOf(req))
	if c == nil {
		respond(p.logger, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	respond(p.logger, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	if c.cancelDial != nil {
		c.cancelDial()
	}
	p.end(c.id, "remote_bye")
}

// onInfo logs DTMF received over SIP INFO.
func (p *Phone) onInfo(req *sip.Request, tx serverTx) {
	callID := callIDOf(req)
	if p.calls.get(callID) == nil {
		respond(p.logger, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if ct := req.GetHeader("Content-Type"); ct != nil {
		if d, err := media.ParseInfo(ct.Value(), req.Body()); err == nil {
			p.logger.Info("dtmf received",
				"call_id", callID,
				"signal", string(d.Signal),
				"duration", d.Duration,
			)
		} else {
			p.logger.Debug("sip info ignored", "call_id", callID, "content_type", ct.Value())
		}
	}
	respond(p.logger, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
}
