package sip

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/session"
)

type ringing struct {
	req  *sip.Request
	tx   *fakeTx
	call bridge.Call
	done chan struct{}
}

// ring delivers an INVITE from 1001 and waits until the phone reports it.
func ring(t *testing.T, p *Phone, ev *fakeEvents, callID, body string) ringing {
	t.Helper()
	r := ringing{
		req:  newCallerRequest(sip.INVITE, callID, 1, body),
		tx:   newFakeTx(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		p.onInvite(r.req, r.tx)
	}()
	r.call = receive(t, ev.incoming, "incoming")
	return r
}

func (r ringing) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatal("invite handler did not return")
	}
}

func TestIncomingAcceptFlow(t *testing.T) {
	p, out, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-1", callerOffer)

	if got := r.tx.codes(); len(got) != 2 || got[0] != 100 || got[1] != 180 {
		t.Fatalf("provisional responses = %v, want [100 180]", got)
	}
	if r.call.CallID() != "in-1" || r.call.RemoteHandle() != "1001" {
		t.Errorf("call = %s from %s", r.call.CallID(), r.call.RemoteHandle())
	}

	if err := p.Accept(r.call, false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	ok := r.tx.await(t, 200)
	r.wait(t)

	body := string(ok.Body())
	for _, want := range []string{"c=IN IP4 203.0.113.5", "m=audio 10000 RTP/AVP 0 101"} {
		if !strings.Contains(body, want) {
			t.Errorf("answer missing %q:\n%s", want, body)
		}
	}
	if ok.Contact() == nil || ok.Contact().Address.Host != "203.0.113.5" {
		t.Errorf("200 contact = %v", ok.Contact())
	}
	localTag, _ := ok.To().Params.Get("tag")
	if localTag == "" {
		t.Fatal("200 OK has no To tag")
	}

	c := p.calls.get("in-1")
	if c.State() != CallStateAnswered {
		t.Errorf("state before ack = %s", c.State())
	}
	p.onAck(newCallerRequest(sip.ACK, "in-1", 1, ""))
	if id := receive(t, ev.connected, "connected"); id != "in-1" {
		t.Errorf("connected %q", id)
	}
	if c.State() != CallStateConfirmed {
		t.Errorf("state after ack = %s", c.State())
	}

	// DTMF goes to the caller's Contact inside the dialog.
	if err := p.SendDigit(r.call, '5'); err != nil {
		t.Fatalf("SendDigit: %v", err)
	}
	info := out.next(t)
	if info.Method != sip.INFO {
		t.Fatalf("method = %s, want INFO", info.Method)
	}
	if string(info.Body()) != "Signal=5\r\nDuration=160\r\n" {
		t.Errorf("info body = %q", info.Body())
	}
	if info.Recipient.Host != "10.0.0.1" || info.Recipient.Port != 5062 {
		t.Errorf("info target = %s", info.Recipient.String())
	}
	if tag, _ := info.From().Params.Get("tag"); tag != localTag {
		t.Errorf("from tag = %q, want %q", tag, localTag)
	}
	if tag, _ := info.To().Params.Get("tag"); tag != "caller-tag" {
		t.Errorf("to tag = %q, want caller-tag", tag)
	}
	if info.From().Address.User != "bridge" || info.To().Address.User != "1001" {
		t.Errorf("from/to not swapped: %s -> %s", info.From().Address.User, info.To().Address.User)
	}

	// Hold is a sendonly re-INVITE, acknowledged after its 200.
	if err := p.Pause(r.call); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	reinvite := out.next(t)
	if reinvite.Method != sip.INVITE || !strings.Contains(string(reinvite.Body()), "a=sendonly") {
		t.Fatalf("re-invite = %s\n%s", reinvite.Method, reinvite.Body())
	}
	if reinvite.CSeq().SeqNo <= info.CSeq().SeqNo {
		t.Errorf("cseq did not increase: %d then %d", info.CSeq().SeqNo, reinvite.CSeq().SeqNo)
	}
	if ack := out.next(t); ack.Method != sip.ACK {
		t.Errorf("after re-invite got %s, want ACK", ack.Method)
	}
	if !r.call.OnHold() {
		t.Error("OnHold = false after Pause")
	}
	if err := p.Pause(r.call); err != nil {
		t.Errorf("second Pause: %v", err)
	}

	byeTx := newFakeTx()
	p.onBye(newCallerRequest(sip.BYE, "in-1", 2, ""), byeTx)
	byeTx.await(t, 200)
	if id := receive(t, ev.ended, "ended"); id != "in-1" {
		t.Errorf("ended %q", id)
	}
	if p.CallCount() != 0 {
		t.Errorf("CallCount = %d after bye", p.CallCount())
	}
}

func TestIncomingSettlements(t *testing.T) {
	tests := []struct {
		name   string
		settle func(p *Phone, r ringing) error
		code   int
	}{
		{"decline busy", func(p *Phone, r ringing) error { return p.Decline(r.call, session.DeclineBusy) }, 486},
		{"decline unknown", func(p *Phone, r ringing) error { return p.Decline(r.call, session.DeclineUnknown) }, 603},
		{"terminate while ringing", func(p *Phone, r ringing) error { return p.Terminate(r.call) }, 487},
		{"caller cancels", func(p *Phone, r ringing) error {
			tx := newFakeTx()
			p.onCancel(newCallerRequest(sip.CANCEL, r.call.CallID(), 1, ""), tx)
			if got := tx.codes(); len(got) != 1 || got[0] != 200 {
				return errors.New("cancel not answered with 200")
			}
			return nil
		}, 487},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, ev := newTestPhone(t)
			r := ring(t, p, ev, "in-2", callerOffer)

			if err := tt.settle(p, r); err != nil {
				t.Fatalf("settle: %v", err)
			}
			r.tx.await(t, tt.code)
			r.wait(t)

			if id := receive(t, ev.ended, "ended"); id != "in-2" {
				t.Errorf("ended %q", id)
			}
			if _, ok := p.CallByID("in-2"); ok {
				t.Error("call still tracked")
			}
		})
	}
}

func TestAcceptTwice(t *testing.T) {
	p, _, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-3", callerOffer)

	if err := p.Accept(r.call, false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := p.Accept(r.call, false); !errors.Is(err, ErrCallState) {
		t.Errorf("second Accept err = %v, want ErrCallState", err)
	}
	if err := p.Decline(r.call, session.DeclineBusy); !errors.Is(err, ErrCallState) {
		t.Errorf("Decline after Accept err = %v, want ErrCallState", err)
	}
	r.wait(t)
}

func TestOperationsOnUnknownCall(t *testing.T) {
	p, _, _ := newTestPhone(t)
	ghost := &Call{id: "ghost"}

	for name, err := range map[string]error{
		"accept":    p.Accept(ghost, false),
		"decline":   p.Decline(ghost, session.DeclineBusy),
		"pause":     p.Pause(ghost),
		"resume":    p.Resume(ghost),
		"digit":     p.SendDigit(ghost, '1'),
		"terminate": p.Terminate(ghost),
	} {
		if !errors.Is(err, ErrUnknownCall) {
			t.Errorf("%s err = %v, want ErrUnknownCall", name, err)
		}
	}

	for _, method := range []sip.RequestMethod{sip.BYE, sip.CANCEL, sip.INFO} {
		tx := newFakeTx()
		req := newCallerRequest(method, "ghost", 1, "")
		switch method {
		case sip.BYE:
			p.onBye(req, tx)
		case sip.CANCEL:
			p.onCancel(req, tx)
		case sip.INFO:
			p.onInfo(req, tx)
		}
		tx.await(t, 481)
	}
}

func TestRingingCallRejectsInDialogOps(t *testing.T) {
	p, _, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-4", callerOffer)

	if err := p.Pause(r.call); !errors.Is(err, ErrCallState) {
		t.Errorf("Pause err = %v, want ErrCallState", err)
	}
	if err := p.SendDigit(r.call, '1'); !errors.Is(err, ErrCallState) {
		t.Errorf("SendDigit err = %v, want ErrCallState", err)
	}
	if err := p.Terminate(r.call); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	r.wait(t)
}

func TestIncomingWithoutOffer(t *testing.T) {
	p, _, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-5", "")

	if err := p.Accept(r.call, false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	ok := r.tx.await(t, 200)
	r.wait(t)
	if !strings.Contains(string(ok.Body()), "a=sendrecv") {
		t.Errorf("200 should carry an offer:\n%s", ok.Body())
	}

	p.onAck(newCallerRequest(sip.ACK, "in-5", 1, callerOffer))
	receive(t, ev.connected, "connected")

	c := p.calls.get("in-5")
	c.mu.Lock()
	remote := c.remoteSDP
	c.mu.Unlock()
	if remote == nil || remote.Audio() == nil || remote.Audio().Port != 40000 {
		t.Errorf("answer from ack not stored: %+v", remote)
	}
}

func TestIncomingTransactionEnds(t *testing.T) {
	p, _, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-6", callerOffer)

	close(r.tx.done)
	r.wait(t)
	if id := receive(t, ev.ended, "ended"); id != "in-6" {
		t.Errorf("ended %q", id)
	}
	if err := p.Accept(r.call, false); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Accept after end err = %v, want ErrUnknownCall", err)
	}
}

func TestUnsupportedOfferRejected(t *testing.T) {
	p, _, ev := newTestPhone(t)
	opus := "v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 40000 RTP/AVP 111\r\na=rtpmap:111 opus/48000/2\r\n"
	r := ring(t, p, ev, "in-7", opus)

	if err := p.Accept(r.call, false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	r.tx.await(t, 488)
	r.wait(t)
	receive(t, ev.ended, "ended")
}

func TestInvalidInvites(t *testing.T) {
	p, _, _ := newTestPhone(t)

	bad := newCallerRequest(sip.INVITE, "in-8", 1, "m=audio nope\r\n")
	tx := newFakeTx()
	p.onInvite(bad, tx)
	tx.await(t, 400)

	noID := newCallerRequest(sip.INVITE, "", 1, callerOffer)
	tx = newFakeTx()
	p.onInvite(noID, tx)
	tx.await(t, 400)

	if p.CallCount() != 0 {
		t.Errorf("CallCount = %d", p.CallCount())
	}
}

func TestPeerReInviteHold(t *testing.T) {
	p, _, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-10", callerOffer)
	if err := p.Accept(r.call, false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	r.tx.await(t, 200)
	r.wait(t)
	p.onAck(newCallerRequest(sip.ACK, "in-10", 1, ""))
	receive(t, ev.connected, "connected")

	held := strings.Replace(callerOffer, "a=rtpmap:101 telephone-event/8000\r\n", "a=rtpmap:101 telephone-event/8000\r\na=sendonly\r\n", 1)
	tx := newFakeTx()
	p.onInvite(newCallerRequest(sip.INVITE, "in-10", 2, held), tx)

	res := tx.await(t, 200)
	if !strings.Contains(string(res.Body()), "a=recvonly") {
		t.Errorf("answer to hold should be recvonly:\n%s", res.Body())
	}
	if c := receive(t, ev.updated, "updated"); c.CallID() != "in-10" {
		t.Errorf("updated %q", c.CallID())
	}
	c := p.calls.get("in-10")
	c.mu.Lock()
	remoteHold := c.remoteHold
	c.mu.Unlock()
	if !remoteHold {
		t.Error("remote hold not recorded")
	}
}

func TestInfoDTMFAnswered(t *testing.T) {
	p, _, ev := newTestPhone(t)
	r := ring(t, p, ev, "in-11", callerOffer)

	info := newCallerRequest(sip.INFO, "in-11", 2, "")
	info.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	info.SetBody([]byte("Signal=7\r\nDuration=100\r\n"))
	tx := newFakeTx()
	p.onInfo(info, tx)
	tx.await(t, 200)

	if err := p.Terminate(r.call); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	r.wait(t)
}
