package bridge

import (
	"context"
	"errors"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/session"
)

var (
	// ErrUnbound means the record has no signaling call object yet. It drives
	// deferred binding and is never reported to the surface as a failure.
	ErrUnbound = errors.New("session has no signaling call")

	// ErrNoDestination is returned when an outgoing call has no address to dial.
	ErrNoDestination = errors.New("outgoing call has no destination")

	// ErrSignalingRejected wraps failures returned by the signaling stack.
	ErrSignalingRejected = errors.New("signaling rejected operation")

	// ErrReportFailed wraps a refusal by the native surface to display a call.
	ErrReportFailed = errors.New("native surface refused report")

	// ErrFilteredByBlockList is returned by a surface that refuses a call
	// because the caller is blocked.
	ErrFilteredByBlockList = errors.New("call filtered by block list")

	// ErrFilteredByDoNotDisturb is returned by a surface that refuses a call
	// while do not disturb is on.
	ErrFilteredByDoNotDisturb = errors.New("call filtered by do not disturb")
)

// Call is a concrete call object owned by the signaling stack.
type Call interface {
	CallID() string
	RemoteHandle() string
	VideoEnabled() bool
	OnHold() bool
	LocalConferenceMode() bool
}

// Signaling is the SIP and media stack as seen by the bridge. Methods are
// invoked from the bridge queue and must not block on network round trips.
type Signaling interface {
	CallByID(callID string) (Call, bool)
	Accept(call Call, video bool) error
	Decline(call Call, reason session.DeclineReason) error
	Pause(call Call) error
	Resume(call Call) error
	SendDigit(call Call, digit byte) error
	Terminate(call Call) error

	// Dial starts an outgoing call and returns its Call-ID without waiting
	// for an answer.
	Dial(destination string, verification bool) (string, error)

	EnterConference() error
	LeaveConference() error
	AddAllToConference() error
	InConference() bool
	HasConference() bool
	CallCount() int

	SetMicEnabled(enabled bool)
	ActivateAudioSession(active bool)
}

// SignalingEvents receives call lifecycle events from the signaling stack.
// *Bridge implements it.
type SignalingEvents interface {
	IncomingReceived(call Call)
	CallConnected(callID string)
	CallUpdated(call Call)
	CallEnded(callID string)
}

// CallUpdate describes how the native surface should present a call.
type CallUpdate struct {
	Handle             string `json:"handle"`
	HasVideo           bool   `json:"has_video"`
	SupportsHolding    bool   `json:"supports_holding"`
	SupportsGrouping   bool   `json:"supports_grouping"`
	SupportsUngrouping bool   `json:"supports_ungrouping"`
	SupportsDTMF       bool   `json:"supports_dtmf"`
}

// EndReason tells the native surface why a call went away.
type EndReason string

const (
	EndReasonRemoteEnded       EndReason = "remote_ended"
	EndReasonUnanswered        EndReason = "unanswered"
	EndReasonFailed            EndReason = "failed"
	EndReasonDeclinedElsewhere EndReason = "declined_elsewhere"
)

// Surface is the native call surface. ReportIncoming calls done exactly
// once, from any goroutine, with nil when the call is displayed.
type Surface interface {
	ReportIncoming(token session.Token, update CallUpdate, silent bool, done func(error))
	ReportOutgoingConnecting(token session.Token)
	ReportOutgoingConnected(token session.Token)
	UpdateCall(token session.Token, update CallUpdate)
	EndCall(token session.Token, reason EndReason)

	// RequestStart asks the surface for permission to place an outgoing
	// call. Permission arrives as a StartCall instruction.
	RequestStart(token session.Token, destination string)
}

// CallLogger stores ended sessions.
type CallLogger interface {
	LogCall(ctx context.Context, entry *models.CallLogEntry) error
}
