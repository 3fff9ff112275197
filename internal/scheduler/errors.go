package scheduler

import "errors"

var (
	// ErrChunkNotFound is returned when a chunk id is unknown
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrStaleAttempt is returned when a message carries an attempt
	// token that no longer matches the chunk's current assignment
	ErrStaleAttempt = errors.New("stale attempt token")

	// ErrChunkTerminal is returned when a transition is requested on a
	// chunk already in a terminal state
	ErrChunkTerminal = errors.New("chunk already in terminal state")

	// ErrInvalidSplit is returned when a source cannot be partitioned
	// with the given parameters
	ErrInvalidSplit = errors.New("invalid split parameters")
)
