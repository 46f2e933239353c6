package sip

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/media"
)

const waitTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records outgoing requests and answers them with reply.
type fakeSender struct {
	mu      sync.Mutex
	sent    []*sip.Request
	written []*sip.Request
	reply   func(req *sip.Request) (*sip.Response, error)
	got     chan *sip.Request
}

func newFakeSender() *fakeSender {
	s := &fakeSender{got: make(chan *sip.Request, 32)}
	s.reply = s.ok
	return s
}

func (s *fakeSender) send(_ context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	reply := s.reply
	s.mu.Unlock()

	if provisional != nil && req.Method == sip.INVITE {
		provisional(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
	}
	res, err := reply(req)
	s.got <- req
	return res, err
}

func (s *fakeSender) write(req *sip.Request) error {
	s.mu.Lock()
	s.written = append(s.written, req)
	s.mu.Unlock()
	s.got <- req
	return nil
}

// ok answers like a well-behaved peer: 200 with a tag, a Contact and an
// SDP answer for INVITEs.
func (s *fakeSender) ok(req *sip.Request) (*sip.Response, error) {
	var body []byte
	if req.Method == sip.INVITE {
		offer, err := media.Parse(req.Body())
		if err == nil {
			if ans, err := media.Answer(offer, 9, "10.0.0.9", 30000); err == nil {
				body = ans.Marshal()
			}
		}
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", "callee-tag")
		}
	}
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "1002", Host: "10.0.0.9", Port: 5070}})
	return res, nil
}

func (s *fakeSender) setReply(fn func(req *sip.Request) (*sip.Response, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// next waits for the next request sent or written.
func (s *fakeSender) next(t *testing.T) *sip.Request {
	t.Helper()
	select {
	case req := <-s.got:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("no request sent")
		return nil
	}
}

// fakeTx is a server transaction that records responses.
type fakeTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	got       chan *sip.Response
	done      chan struct{}
}

func newFakeTx() *fakeTx {
	return &fakeTx{got: make(chan *sip.Response, 16), done: make(chan struct{})}
}

func (t *fakeTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	t.responses = append(t.responses, res)
	t.mu.Unlock()
	t.got <- res
	return nil
}

func (t *fakeTx) Done() <-chan struct{} { return t.done }

func (t *fakeTx) codes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.responses))
	for i, r := range t.responses {
		out[i] = int(r.StatusCode)
	}
	return out
}

// await waits for a response with the given status.
func (t *fakeTx) await(tb testing.TB, code int) *sip.Response {
	tb.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case res := <-t.got:
			if int(res.StatusCode) == code {
				return res
			}
		case <-deadline:
			tb.Fatalf("no %d response, got %v", code, t.codes())
			return nil
		}
	}
}

type fakeEvents struct {
	incoming  chan bridge.Call
	connected chan string
	updated   chan bridge.Call
	ended     chan string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		incoming:  make(chan bridge.Call, 8),
		connected: make(chan string, 8),
		updated:   make(chan bridge.Call, 8),
		ended:     make(chan string, 8),
	}
}

func (e *fakeEvents) IncomingReceived(c bridge.Call) { e.incoming <- c }
func (e *fakeEvents) CallConnected(id string)        { e.connected <- id }
func (e *fakeEvents) CallUpdated(c bridge.Call)      { e.updated <- c }
func (e *fakeEvents) CallEnded(id string)            { e.ended <- id }

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("no %s event", what)
		var zero T
		return zero
	}
}

func newTestPhone(t *testing.T) (*Phone, *fakeSender, *fakeEvents) {
	t.Helper()
	out := newFakeSender()
	p, err := newPhone(Options{
		User:       "bridge",
		Domain:     "example.com",
		AuthUser:   "bridge-auth",
		Password:   "secret",
		ExternalIP: "203.0.113.5",
		Port:       5060,
	}, out, discardLogger())
	if err != nil {
		t.Fatalf("newPhone: %v", err)
	}
	ev := newFakeEvents()
	p.SetEvents(ev)
	t.Cleanup(p.Stop)
	return p, out, ev
}

const callerOffer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func testVia(branch string) *sip.ViaHeader {
	params := sip.NewParams()
	params.Add("branch", branch)
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5062,
		Params:          params,
	}
}

// newCallerRequest builds a request from the caller 1001 at 10.0.0.1.
func newCallerRequest(method sip.RequestMethod, callID string, seq uint32, body string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "bridge", Host: "203.0.113.5", Port: 5060})
	req.AppendHeader(testVia("z9hG4bK-" + callID + "-" + string(method)))

	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "1001", Host: "10.0.0.1"},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bridge", Host: "203.0.113.5"},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "1001", Host: "10.0.0.1", Port: 5062}})
	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody([]byte(body))
	}
	return req
}
