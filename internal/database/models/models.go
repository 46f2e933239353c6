package models

import "time"

// Call log outcomes.
const (
	CallOutcomeCompleted  = "completed"
	CallOutcomeUnanswered = "unanswered"
	CallOutcomeDeclined   = "declined"
	CallOutcomeCancelled  = "cancelled"
	CallOutcomeFailed     = "failed"
	CallOutcomeTimedOut   = "timed_out"
	CallOutcomeReset      = "reset"
)

// CallLogEntry is one ended call session.
type CallLogEntry struct {
	ID           int64     `json:"id"`
	Token        string    `json:"token"`
	CallID       string    `json:"call_id"`
	Direction    string    `json:"direction"`
	Destination  string    `json:"destination,omitempty"`
	Verification bool      `json:"verification"`
	Outcome      string    `json:"outcome"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Duration is the time the session was live.
func (e *CallLogEntry) Duration() time.Duration {
	if e.EndedAt.Before(e.StartedAt) {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// PushToken is the VoIP push registration of one device.
type PushToken struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	AppVersion string    `json:"app_version,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
