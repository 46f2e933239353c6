package sip

import (
	"github.com/emiago/sipgo/sip"
)

const maxForwards = 70

// remoteTarget is the Request-URI for in-dialog requests: the peer's
// Contact, falling back to the address it was originally reached at.
func (c *Call) remoteTarget() sip.Uri {
	if c.outgoing {
		if c.final != nil {
			if contact := c.final.Contact(); contact != nil {
				return *contact.Address.Clone()
			}
		}
		return *c.invite.Recipient.Clone()
	}
	if contact := c.invite.Contact(); contact != nil {
		uri := *contact.Address.Clone()
		uri.UriParams = sip.NewParams()
		return uri
	}
	return *c.invite.From().Address.Clone()
}

// newInDialogRequest builds a request inside the call's dialog. From and To
// are swapped for calls we received.
func (c *Call) newInDialogRequest(method sip.RequestMethod, contact sip.Uri) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := sip.NewRequest(method, c.remoteTarget())

	if len(c.invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", c.invite, req)
	}

	if c.outgoing {
		if from := c.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		to := c.invite.To()
		if c.final != nil && c.final.To() != nil {
			to = c.final.To()
		}
		if to != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	} else {
		to := c.invite.To()
		if c.final != nil && c.final.To() != nil {
			to = c.final.To()
		}
		if to != nil {
			params := to.Params.Clone()
			if _, ok := params.Get("tag"); !ok {
				params.Add("tag", c.localTag)
			}
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      params,
			})
		}
		if from := c.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.cseq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: contact})

	return req
}

// buildACKFor2xx builds the ACK for a 2xx response to an INVITE. The ACK
// is its own transaction and goes to the Contact of the response.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	return ack
}

// buildCancel builds a CANCEL matching inviteReq. It reuses the INVITE's
// top Via so the peer can match the transaction.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, cancel)
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(maxForwards)
	cancel.AppendHeader(&maxFwd)
	return cancel
}

// newResponse builds a response to req carrying the call's local tag.
func (c *Call) newResponse(req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil && code > 100 {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", c.localTag)
		}
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return res
}
