package core

import "errors"

var (
	// ErrInvalidSession is returned when a join references an unknown token.
	ErrInvalidSession = errors.New("invalid session")
	// ErrForbidden is returned when a patient joins with an identity that
	// does not match the session binding.
	ErrForbidden = errors.New("forbidden")
	// ErrAlreadyJoined is returned when a connection tries to join twice.
	ErrAlreadyJoined = errors.New("connection already joined")
	// ErrNotJoined marks a message from a connection without a room.
	ErrNotJoined = errors.New("connection not joined")
	// ErrPatientNotFound is wrapped by patient stores for unknown patients.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrQueueFull is returned when the analysis handoff has no room left.
	ErrQueueFull = errors.New("analysis queue full")
)
