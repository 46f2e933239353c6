package session

import "errors"

var (
	// ErrNotFound is returned for operations on a token the registry does not hold.
	ErrNotFound = errors.New("session not found")

	// ErrCallIDInUse is returned when a Call-ID already maps to a different token.
	ErrCallIDInUse = errors.New("call id already mapped to another session")

	// ErrAlreadyBound is returned when a bound record is asked to bind a different Call-ID.
	ErrAlreadyBound = errors.New("session already bound to a different call id")

	// ErrConflictingOutcome is returned when a record would become both declined and connected.
	ErrConflictingOutcome = errors.New("session cannot be both declined and connected")

	// ErrEmptyCallID is returned when binding an empty Call-ID.
	ErrEmptyCallID = errors.New("call id is empty")

	// ErrAlreadyRegistered is returned when a token is registered again with a
	// different direction. Repeating a registration unchanged is a no-op.
	ErrAlreadyRegistered = errors.New("session token already registered")
)
