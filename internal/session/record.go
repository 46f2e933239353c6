package session

import (
	"time"

	"github.com/google/uuid"
)

// Token is the opaque handle the native call surface uses for one call attempt.
type Token = uuid.UUID

// NewToken generates a fresh random token.
func NewToken() Token {
	return uuid.New()
}

// ParseToken parses the textual form of a token.
func ParseToken(s string) (Token, error) {
	return uuid.Parse(s)
}

// Direction is the side that originated the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// DeclineReason selects the response used when an incoming call is refused.
type DeclineReason string

const (
	DeclineBusy    DeclineReason = "busy"
	DeclineUnknown DeclineReason = "unknown"
)

// Binding relates a record to a concrete signaling call. The only
// implementations are Unbound and Bound.
type Binding interface {
	isBinding()
}

// Unbound is a record the native surface knows about but for which no
// signaling call object has been matched yet. CallID holds the expected SIP
// Call-ID for incoming calls announced ahead of their INVITE and is empty
// for outgoing calls that have not been dialed.
type Unbound struct {
	CallID string
}

// Bound is a record matched to the signaling call with the given Call-ID.
type Bound struct {
	CallID string
}

func (Unbound) isBinding() {}
func (Bound) isBinding()   {}

// Progress remembers decisions taken on an incoming call, including the ones
// made before its signaling call object existed.
type Progress struct {
	Accepted      bool
	Declined      bool
	Connected     bool
	DeclineReason DeclineReason
}

// Record is one call attempt. Records handed out by the Registry are copies;
// mutation goes through the Registry's operations.
type Record struct {
	Token        Token
	Direction    Direction
	Destination  string
	Verification bool
	Binding      Binding
	Progress     Progress
	CreatedAt    time.Time
}

func newIncoming(token Token, callID string, now time.Time) *Record {
	return &Record{
		Token:     token,
		Direction: DirectionIncoming,
		Binding:   Unbound{CallID: callID},
		CreatedAt: now,
	}
}

func newOutgoing(token Token, destination string, verification bool, now time.Time) *Record {
	return &Record{
		Token:        token,
		Direction:    DirectionOutgoing,
		Destination:  destination,
		Verification: verification,
		Binding:      Unbound{},
		CreatedAt:    now,
	}
}

// CallID returns the bound Call-ID, or the expected one while unbound.
func (r Record) CallID() string {
	switch b := r.Binding.(type) {
	case Bound:
		return b.CallID
	case Unbound:
		return b.CallID
	}
	return ""
}

// IsBound reports whether a signaling call object has been matched.
func (r Record) IsBound() bool {
	_, ok := r.Binding.(Bound)
	return ok
}

// State is a short label for logs and API output.
func (r Record) State() string {
	switch {
	case r.Progress.Declined:
		return "declined"
	case r.Progress.Connected:
		return "connected"
	case !r.IsBound():
		return "unbound"
	case r.Progress.Accepted:
		return "accepted"
	default:
		return "bound"
	}
}
