package session

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Registry maps native tokens to records and Call-IDs back to tokens.
//
// A Registry is not safe for concurrent use. It is owned by one goroutine,
// normally the serial.Queue that runs the bridge.
type Registry struct {
	records  map[Token]*Record
	byCallID map[string]Token
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. A nil now uses time.Now.
func NewRegistry(now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		records:  make(map[Token]*Record),
		byCallID: make(map[string]Token),
		now:      now,
		logger:   logger.With("subsystem", "registry"),
	}
}

// RegisterIncoming inserts an incoming record. callID may be empty when the
// surface reports the call before any Call-ID is known. Registering the same
// token twice is a no-op.
func (r *Registry) RegisterIncoming(token Token, callID string) error {
	if existing, ok := r.records[token]; ok {
		if existing.Direction != DirectionIncoming {
			return fmt.Errorf("registering incoming %s: %w", token, ErrAlreadyRegistered)
		}
		r.logger.Debug("duplicate incoming registration ignored", "token", token, "call_id", callID)
		return nil
	}
	if callID != "" {
		if owner, ok := r.byCallID[callID]; ok {
			return fmt.Errorf("registering incoming %s (owner %s): %w", token, owner, ErrCallIDInUse)
		}
	}

	r.records[token] = newIncoming(token, callID, r.now())
	if callID != "" {
		r.byCallID[callID] = token
	}
	r.logger.Debug("incoming session registered", "token", token, "call_id", callID)
	return nil
}

// RegisterOutgoing inserts an outgoing record waiting to be dialed.
func (r *Registry) RegisterOutgoing(token Token, destination string, verification bool) error {
	if existing, ok := r.records[token]; ok {
		if existing.Direction != DirectionOutgoing {
			return fmt.Errorf("registering outgoing %s: %w", token, ErrAlreadyRegistered)
		}
		r.logger.Debug("duplicate outgoing registration ignored", "token", token)
		return nil
	}

	r.records[token] = newOutgoing(token, destination, verification, r.now())
	r.logger.Debug("outgoing session registered",
		"token", token,
		"destination", destination,
		"verification", verification,
	)
	return nil
}

// BindCallID matches a record to the signaling call with callID. Binding
// the same pair again is a no-op.
func (r *Registry) BindCallID(token Token, callID string) error {
	rec, ok := r.records[token]
	if !ok {
		return fmt.Errorf("binding %s: %w", token, ErrNotFound)
	}
	if callID == "" {
		return fmt.Errorf("binding %s: %w", token, ErrEmptyCallID)
	}
	if owner, ok := r.byCallID[callID]; ok && owner != token {
		return fmt.Errorf("binding %s to %s (owner %s): %w", token, callID, owner, ErrCallIDInUse)
	}

	switch b := rec.Binding.(type) {
	case Bound:
		if b.CallID != callID {
			return fmt.Errorf("binding %s to %s (bound to %s): %w", token, callID, b.CallID, ErrAlreadyBound)
		}
		return nil
	case Unbound:
		if b.CallID != "" && b.CallID != callID {
			delete(r.byCallID, b.CallID)
		}
	}

	rec.Binding = Bound{CallID: callID}
	r.byCallID[callID] = token
	r.logger.Debug("session bound", "token", token, "call_id", callID)
	return nil
}

// Lookup returns a copy of the record for token.
func (r *Registry) Lookup(token Token) (Record, bool) {
	rec, ok := r.records[token]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// LookupByCallID returns the token and record mapped to callID.
func (r *Registry) LookupByCallID(callID string) (Token, Record, bool) {
	if callID == "" {
		return Token{}, Record{}, false
	}
	token, ok := r.byCallID[callID]
	if !ok {
		return Token{}, Record{}, false
	}
	return token, *r.records[token], true
}

// MarkAccepted records that the user answered the call.
func (r *Registry) MarkAccepted(token Token) error {
	rec, ok := r.records[token]
	if !ok {
		return fmt.Errorf("marking %s accepted: %w", token, ErrNotFound)
	}
	rec.Progress.Accepted = true
	return nil
}

// MarkDeclined records that the call was refused. The first reason sticks.
func (r *Registry) MarkDeclined(token Token, reason DeclineReason) error {
	rec, ok := r.records[token]
	if !ok {
		return fmt.Errorf("marking %s declined: %w", token, ErrNotFound)
	}
	if rec.Progress.Connected {
		return fmt.Errorf("marking %s declined: %w", token, ErrConflictingOutcome)
	}
	if !rec.Progress.Declined {
		rec.Progress.Declined = true
		rec.Progress.DeclineReason = reason
	}
	return nil
}

// MarkConnected records that media is flowing on the call.
func (r *Registry) MarkConnected(token Token) error {
	rec, ok := r.records[token]
	if !ok {
		return fmt.Errorf("marking %s connected: %w", token, ErrNotFound)
	}
	if rec.Progress.Declined {
		return fmt.Errorf("marking %s connected: %w", token, ErrConflictingOutcome)
	}
	rec.Progress.Connected = true
	return nil
}

// Remove deletes the record and returns it. A second Remove for the same
// token returns false.
func (r *Registry) Remove(token Token) (Record, bool) {
	rec, ok := r.records[token]
	if !ok {
		return Record{}, false
	}
	delete(r.records, token)
	if id := rec.CallID(); id != "" && r.byCallID[id] == token {
		delete(r.byCallID, id)
	}
	r.logger.Debug("session removed", "token", token, "call_id", rec.CallID())
	return *rec, true
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	return len(r.records)
}

// UnboundCount returns the number of live records without a signaling call.
func (r *Registry) UnboundCount() int {
	n := 0
	for _, rec := range r.records {
		if !rec.IsBound() {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all live records, oldest first.
func (r *Registry) Snapshot() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token.String() < out[j].Token.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
