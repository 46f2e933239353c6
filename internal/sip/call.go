package sip

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/media"
)

var (
	// ErrUnknownCall is returned for operations on a Call-ID the phone is
	// not tracking.
	ErrUnknownCall = errors.New("unknown call")

	// ErrCallState is returned when an operation does not apply to the
	// call's current state, e.g. accepting a call that was already answered.
	ErrCallState = errors.New("operation not valid in call state")
)

// CallState is the lifecycle state of a call.
type CallState string

const (
	// CallStateRinging is an incoming call waiting for accept or decline.
	CallStateRinging CallState = "ringing"
	// CallStateAnswered is an incoming call we sent 200 OK for, before ACK.
	CallStateAnswered CallState = "answered"
	// CallStateDialing is an outgoing call waiting for a final response.
	CallStateDialing CallState = "dialing"
	// CallStateConfirmed is an established dialog.
	CallStateConfirmed CallState = "confirmed"
)

// settlement is how a ringing incoming call is resolved.
type settlement struct {
	code   int
	reason string
	video  bool
}

// Call is one SIP dialog, incoming or outgoing. It implements bridge.Call.
type Call struct {
	id       string
	outgoing bool
	handle   string
	localTag string
	started  time.Time

	// settle resolves a ringing incoming call; the INVITE handler waits
	// on it. Buffered, written at most once.
	settle  chan settlement
	settled atomic.Bool

	// cancelDial aborts the INVITE transaction of an outgoing call.
	cancelDial func()

	cseq atomic.Uint32

	mu         sync.Mutex
	state      CallState
	invite     *sip.Request
	final      *sip.Response
	localSDP   *media.SessionDescription
	remoteSDP  *media.SessionDescription
	video      bool
	onHold     bool
	remoteHold bool
	member     bool
}

var _ bridge.Call = (*Call)(nil)

func newIncomingCall(id string, invite *sip.Request, offer *media.SessionDescription, now time.Time) *Call {
	c := &Call{
		id:        id,
		handle:    handleFrom(invite.From()),
		localTag:  sip.GenerateTagN(16),
		started:   now,
		settle:    make(chan settlement, 1),
		state:     CallStateRinging,
		invite:    invite,
		remoteSDP: offer,
	}
	if offer != nil {
		c.video = offer.HasVideo()
	}
	return c
}

func newOutgoingCall(id, handle string, invite *sip.Request, offer *media.SessionDescription, cseq uint32, now time.Time) *Call {
	c := &Call{
		id:       id,
		outgoing: true,
		handle:   handle,
		started:  now,
		state:    CallStateDialing,
		invite:   invite,
		localSDP: offer,
	}
	c.cseq.Store(cseq)
	return c
}

func (c *Call) CallID() string       { return c.id }
func (c *Call) RemoteHandle() string { return c.handle }
func (c *Call) Outgoing() bool       { return c.outgoing }

func (c *Call) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video
}

func (c *Call) OnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

// LocalConferenceMode reports whether the call has been joined to the
// phone's logical conference.
func (c *Call) LocalConferenceMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member
}

// State returns the current lifecycle state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// resolve hands s to the waiting INVITE handler. Only the first call wins.
func (c *Call) resolve(s settlement) bool {
	if c.outgoing || !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.settle <- s
	return true
}

// handleFrom picks the caller identity shown on the native surface: the
// user part when present, the host otherwise.
func handleFrom(from *sip.FromHeader) string {
	if from == nil {
		return ""
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.Address.Host
}

// callTable tracks every live call by Call-ID.
type callTable struct {
	mu     sync.RWMutex
	calls  map[string]*Call
	logger *slog.Logger
}

func newCallTable(logger *slog.Logger) *callTable {
	return &callTable{
		calls:  make(map[string]*Call),
		logger: logger.With("subsystem", "calls"),
	}
}

// add registers c. It returns false if the Call-ID is already tracked.
func (t *callTable) add(c *Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[c.id]; ok {
		return false
	}
	t.calls[c.id] = c
	t.logger.Debug("call added", "call_id", c.id, "outgoing", c.outgoing)
	return true
}

func (t *callTable) get(id string) *Call {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls[id]
}

// remove drops the call and returns it, or nil if it was already gone.
// Exactly one caller observes a non-nil result per call.
func (t *callTable) remove(id string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	t.logger.Debug("call removed", "call_id", id)
	return c
}

// list returns a snapshot of all live calls.
func (t *callTable) list() []*Call {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c)
	}
	return out
}

func (t *callTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}
