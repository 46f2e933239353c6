package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/serial"
	"github.com/flowpbx/callbridge/internal/session"
)

type fakeCall struct {
	id        string
	handle    string
	video     bool
	onHold    bool
	localConf bool
}

func (c *fakeCall) CallID() string            { return c.id }
func (c *fakeCall) RemoteHandle() string      { return c.handle }
func (c *fakeCall) VideoEnabled() bool        { return c.video }
func (c *fakeCall) OnHold() bool              { return c.onHold }
func (c *fakeCall) LocalConferenceMode() bool { return c.localConf }

type fakeSignaling struct {
	mu            sync.Mutex
	calls         map[string]*fakeCall
	ops           []string
	inConference  bool
	hasConference bool
	callCount     int
	failOps       map[string]error
	dialID        string
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		calls:   make(map[string]*fakeCall),
		failOps: make(map[string]error),
		dialID:  "dialed-1",
	}
}

func (s *fakeSignaling) addCall(c *fakeCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.id] = c
}

func (s *fakeSignaling) setConference(in, has bool, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inConference, s.hasConference, s.callCount = in, has, count
}

func (s *fakeSignaling) op(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, name)
	return s.failOps[strings.SplitN(name, ":", 2)[0]]
}

func (s *fakeSignaling) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *fakeSignaling) count(prefix string) int {
	n := 0
	for _, op := range s.recorded() {
		if op == prefix || strings.HasPrefix(op, prefix+":") {
			n++
		}
	}
	return n
}

func (s *fakeSignaling) CallByID(id string) (Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *fakeSignaling) Accept(c Call, video bool) error {
	return s.op(fmt.Sprintf("accept:%s:video=%v", c.CallID(), video))
}

func (s *fakeSignaling) Decline(c Call, reason session.DeclineReason) error {
	return s.op(fmt.Sprintf("decline:%s:%s", c.CallID(), reason))
}

func (s *fakeSignaling) Pause(c Call) error     { return s.op("pause:" + c.CallID()) }
func (s *fakeSignaling) Resume(c Call) error    { return s.op("resume:" + c.CallID()) }
func (s *fakeSignaling) Terminate(c Call) error { return s.op("terminate:" + c.CallID()) }

func (s *fakeSignaling) SendDigit(c Call, digit byte) error {
	return s.op(fmt.Sprintf("dtmf:%s:%c", c.CallID(), digit))
}

func (s *fakeSignaling) Dial(destination string, verification bool) (string, error) {
	if err := s.op(fmt.Sprintf("dial:%s:verify=%v", destination, verification)); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialID, nil
}

func (s *fakeSignaling) EnterConference() error    { return s.op("enter_conference") }
func (s *fakeSignaling) LeaveConference() error    { return s.op("leave_conference") }
func (s *fakeSignaling) AddAllToConference() error { return s.op("add_all_to_conference") }

func (s *fakeSignaling) InConference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inConference
}

func (s *fakeSignaling) HasConference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasConference
}

func (s *fakeSignaling) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *fakeSignaling) SetMicEnabled(enabled bool) {
	_ = s.op(fmt.Sprintf("mic:%v", enabled))
}

func (s *fakeSignaling) ActivateAudioSession(active bool) {
	_ = s.op(fmt.Sprintf("audio:%v", active))
}

type surfaceEvent struct {
	kind   string
	token  session.Token
	update CallUpdate
	silent bool
	reason EndReason
	dest   string
}

type fakeSurface struct {
	mu        sync.Mutex
	events    []surfaceEvent
	reportErr error
	// asyncDone resolves ReportIncoming from another goroutine.
	asyncDone bool
}

func (f *fakeSurface) add(e surfaceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSurface) ReportIncoming(token session.Token, update CallUpdate, silent bool, done func(error)) {
	f.add(surfaceEvent{kind: "report_incoming", token: token, update: update, silent: silent})
	f.mu.Lock()
	err, async := f.reportErr, f.asyncDone
	f.mu.Unlock()
	if async {
		go done(err)
		return
	}
	done(err)
}

func (f *fakeSurface) ReportOutgoingConnecting(token session.Token) {
	f.add(surfaceEvent{kind: "outgoing_connecting", token: token})
}

func (f *fakeSurface) ReportOutgoingConnected(token session.Token) {
	f.add(surfaceEvent{kind: "outgoing_connected", token: token})
}

func (f *fakeSurface) UpdateCall(token session.Token, update CallUpdate) {
	f.add(surfaceEvent{kind: "update", token: token, update: update})
}

func (f *fakeSurface) EndCall(token session.Token, reason EndReason) {
	f.add(surfaceEvent{kind: "end", token: token, reason: reason})
}

func (f *fakeSurface) RequestStart(token session.Token, destination string) {
	f.add(surfaceEvent{kind: "request_start", token: token, dest: destination})
}

func (f *fakeSurface) of(kind string) []surfaceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []surfaceEvent
	for _, e := range f.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeCallLog struct {
	mu      sync.Mutex
	entries []*models.CallLogEntry
	got     chan struct{}
}

func (l *fakeCallLog) LogCall(_ context.Context, e *models.CallLogEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	l.got <- struct{}{}
	return nil
}

type harness struct {
	t     *testing.T
	b     *Bridge
	sig   *fakeSignaling
	surf  *fakeSurface
	clock *serial.ManualClock
}

func newHarness(t *testing.T, history CallLogger) *harness {
	t.Helper()
	clock := serial.NewManualClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	sig := newFakeSignaling()
	surf := &fakeSurface{}
	b := New(clock, sig, surf, Config{History: history}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, b: b, sig: sig, surf: surf, clock: clock}
}

// settle waits until everything queued so far, including follow-up tasks
// those submitted, has run.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 3; i++ {
		if err := h.b.queue.Do(context.Background(), func() {}); err != nil {
			h.t.Fatalf("queue barrier: %v", err)
		}
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.settle()
}

func (h *harness) record(token session.Token) (session.Record, bool) {
	h.t.Helper()
	var (
		rec session.Record
		ok  bool
	)
	if err := h.b.queue.Do(context.Background(), func() { rec, ok = h.b.registry.Lookup(token) }); err != nil {
		h.t.Fatal(err)
	}
	return rec, ok
}

// incoming delivers an INVITE-created call and returns the token reported
// for it.
func (h *harness) incoming(c *fakeCall) session.Token {
	h.t.Helper()
	h.sig.addCall(c)
	h.b.IncomingReceived(c)
	h.settle()
	reports := h.surf.of("report_incoming")
	if len(reports) == 0 {
		h.t.Fatal("incoming call was not reported")
	}
	return reports[len(reports)-1].token
}

func (h *harness) announce(callID string) session.Token {
	h.t.Helper()
	tok, err := h.b.AnnounceIncoming(context.Background(), callID, "alice", false, false)
	if err != nil {
		h.t.Fatalf("AnnounceIncoming: %v", err)
	}
	h.settle()
	return tok
}

func wait(t *testing.T, r *Result) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("action not resolved: %v", err)
	}
	return ok
}

var errBoom = errors.New("boom")
