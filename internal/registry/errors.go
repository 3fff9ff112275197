package registry

import "errors"

var (
	// ErrDuplicateActiveWorker is returned when a registration reuses
	// an id that is live under the current generation at a different
	// address
	ErrDuplicateActiveWorker = errors.New("worker id already active")

	// ErrWorkerNotFound is returned when a worker id is unknown
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrStaleGeneration is returned when a heartbeat carries a
	// generation older than the worker's current one
	ErrStaleGeneration = errors.New("stale worker generation")
)
