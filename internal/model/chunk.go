package model

import "time"

// ChunkState represents the current state of a chunk
type ChunkState string

const (
	ChunkStatePending    ChunkState = "pending"
	ChunkStateAssigned   ChunkState = "assigned"
	ChunkStateProcessing ChunkState = "processing"
	ChunkStateCompleted  ChunkState = "completed"
	ChunkStateFailed     ChunkState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ChunkState) Terminal() bool {
	return s == ChunkStateCompleted || s == ChunkStateFailed
}

// Chunk represents a contiguous byte range of the log source assigned
// as a unit of work. The range is half-open: [Start, End).
type Chunk struct {
	ID         string     `json:"id"`
	SourcePath string     `json:"source_path"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
	State      ChunkState `json:"state"`

	// WorkerID is the worker holding the current assignment, empty
	// while pending.
	WorkerID string `json:"worker_id,omitempty"`

	// AttemptCount is the number of failed or reclaimed attempts so far.
	AttemptCount int `json:"attempt_count"`

	// AttemptToken identifies the current (chunk, assignment) pairing.
	// It increases monotonically per chunk; results carrying an older
	// token belong to a superseded attempt and are discarded.
	AttemptToken int64 `json:"attempt_token"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ByteRange describes a half-open byte range [Start, End) of the source.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}
