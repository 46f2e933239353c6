package sip

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/media"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// ErrNoDomain is returned when a bare destination is dialed without a
// configured SIP domain.
var ErrNoDomain = errors.New("no sip domain configured")

// VerificationHeader marks an INVITE whose caller asked for end-to-end
// call verification.
const VerificationHeader = "X-Call-Verification"

// Dial starts an outgoing call and returns its Call-ID. The INVITE runs in
// the background; CallConnected or CallEnded reports the outcome.
func (p *Phone) Dial(destination string, verification bool) (string, error) {
	target, err := p.dialTarget(destination)
	if err != nil {
		return "", err
	}

	callID := uuid.NewString()
	offer := media.Offer(p.now().Unix(), p.opts.ExternalIP, p.opts.RTPPort)
	req := p.buildInvite(target, callID, offer.Marshal(), verification)

	c := newOutgoingCall(callID, target.User, req, offer, 1, p.now())
	ctx, cancel := context.WithTimeout(p.ctx, dialTimeout)
	c.cancelDial = cancel
	p.calls.add(c)

	p.logger.Info("dialing",
		"call_id", callID,
		"target", target.String(),
		"verification", verification,
	)

	p.requests.Add(1)
	go func() {
		defer p.requests.Done()
		defer cancel()
		p.runDial(ctx, c)
	}()
	return callID, nil
}

// dialTarget turns a destination into a request URI. Full sip: URIs are
// used as is; anything else is a user at the configured domain.
func (p *Phone) dialTarget(destination string) (sip.Uri, error) {
	var uri sip.Uri
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return uri, errors.New("empty destination")
	}
	raw := destination
	if !strings.HasPrefix(strings.ToLower(destination), "sip:") {
		if p.opts.Domain == "" {
			return uri, ErrNoDomain
		}
		raw = "sip:" + destination + "@" + p.opts.Domain
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("parsing destination %q: %w", destination, err)
	}
	return uri, nil
}

func (p *Phone) buildInvite(target sip.Uri, callID string, body []byte, verification bool) *sip.Request {
	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(p.newVia())

	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: p.opts.User, Host: p.identityHost()},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: *target.Clone(),
		Params:  sip.NewParams(),
	})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: p.contactURI()})
	if verification {
		req.AppendHeader(sip.NewHeader(VerificationHeader, "requested"))
	}

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)
	return req
}

// newVia builds a top Via with a fresh branch. Setting it ourselves keeps
// the branch known for a later CANCEL.
func (p *Phone) newVia() *sip.ViaHeader {
	params := sip.NewParams()
	params.Add("branch", sip.GenerateBranch())
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            p.opts.ExternalIP,
		Port:            p.opts.Port,
		Params:          params,
	}
}

func (p *Phone) identityHost() string {
	if p.opts.Domain != "" {
		return p.opts.Domain
	}
	return p.opts.ExternalIP
}

// runDial drives the INVITE transaction of c to a final outcome.
func (p *Phone) runDial(ctx context.Context, c *Call) {
	c.mu.Lock()
	req := c.invite
	c.mu.Unlock()

	res, err := p.out.send(ctx, req, p.onProvisional(c))
	if err == nil && (res.StatusCode == 401 || res.StatusCode == 407) {
		req, err = p.authorize(req, res)
		if err == nil {
			c.mu.Lock()
			c.invite = req
			c.mu.Unlock()
			c.cseq.Store(req.CSeq().SeqNo)
			res, err = p.out.send(ctx, req, p.onProvisional(c))
		}
	}

	switch {
	case err != nil:
		p.logger.Warn("outgoing call failed", "call_id", c.id, "error", err)
		p.end(c.id, "dial_error")
		return
	case res.StatusCode >= 300:
		p.logger.Info("outgoing call rejected",
			"call_id", c.id,
			"status", res.StatusCode,
			"reason", res.Reason,
		)
		p.end(c.id, strings.ToLower(res.Reason))
		return
	}

	if err := p.out.write(buildACKFor2xx(req, res)); err != nil {
		p.logger.Error("failed to send ack", "call_id", c.id, "error", err)
	}

	if p.calls.get(c.id) == nil {
		// Hung up while the answer was in flight.
		p.goRequest(requestTimeout, func(ctx context.Context) {
			c.mu.Lock()
			c.final = res
			c.mu.Unlock()
			p.sendBye(ctx, c)
		})
		return
	}

	c.mu.Lock()
	c.final = res
	c.state = CallStateConfirmed
	if len(res.Body()) > 0 {
		if sd, err := media.Parse(res.Body()); err == nil {
			c.remoteSDP = sd
			c.video = sd.HasVideo()
		}
	}
	c.mu.Unlock()

	p.logger.Info("outgoing call answered", "call_id", c.id)
	p.events.CallConnected(c.id)
}

func (p *Phone) onProvisional(c *Call) func(*sip.Response) {
	return func(res *sip.Response) {
		p.logger.Debug("outgoing call progress",
			"call_id", c.id,
			"status", res.StatusCode,
			"reason", res.Reason,
		)
	}
}

// authorize answers a 401/407 digest challenge by cloning req with a new
// branch, the next CSeq and the credentials.
func (p *Phone) authorize(req *sip.Request, challenge *sip.Response) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if challenge.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	hdr := challenge.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("challenge %d without %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: p.opts.AuthUser,
		Password: p.opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(p.newVia())
	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}
