package coordinator

import (
	"time"

	"github.com/t77yq/logflow/internal/model"
	"github.com/t77yq/logflow/internal/scheduler"
)

// NATS subjects for the coordinator/worker protocol. Register,
// heartbeat, result, and metrics are request/reply; assignments are
// fire-and-forget publishes to a per-worker subject, with late results
// rendered harmless by attempt-token validation rather than by
// cancelling anything over the network.
const (
	SubjectRegister  = "logflow.register"
	SubjectHeartbeat = "logflow.heartbeat"
	SubjectResult    = "logflow.result"
	SubjectProgress  = "logflow.progress"
	SubjectMetrics   = "logflow.metrics"

	assignSubjectPrefix = "logflow.assign."
)

// AssignSubject returns the assignment subject for one worker.
func AssignSubject(workerID string) string {
	return assignSubjectPrefix + workerID
}

// Heartbeat statuses returned to workers.
const (
	StatusOK              = "ok"
	StatusStaleGeneration = "stale-generation"
)

// RegisterRequest asks for a worker identity. WorkerID is optional; an
// empty id gets a fresh one allocated.
type RegisterRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
	Address  string `json:"address"`
}

// RegisterResponse carries the assigned identity and generation.
type RegisterResponse struct {
	WorkerID   string `json:"worker_id"`
	Generation int64  `json:"generation"`
	Error      string `json:"error,omitempty"`
}

// HeartbeatRequest refreshes a worker's liveness and reports its load.
type HeartbeatRequest struct {
	WorkerID   string            `json:"worker_id"`
	Generation int64             `json:"generation"`
	Stats      model.WorkerStats `json:"stats"`
}

// HeartbeatResponse acknowledges a heartbeat. Status is
// StatusStaleGeneration when the worker's generation is outdated and
// it should re-register.
type HeartbeatResponse struct {
	Status string `json:"status"`
}

// Assignment dispatches one chunk to a worker.
type Assignment struct {
	ChunkID      string `json:"chunk_id"`
	AttemptToken int64  `json:"attempt_token"`
	SourcePath   string `json:"source_path"`
	Start        int64  `json:"start"`
	End          int64  `json:"end"`
}

// Progress reports that a worker started on a chunk, or that
// processing failed on the worker side.
type Progress struct {
	ChunkID      string `json:"chunk_id"`
	AttemptToken int64  `json:"attempt_token"`
	WorkerID     string `json:"worker_id"`
	Failed       bool   `json:"failed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ResultRequest submits one chunk attempt's partial metrics.
type ResultRequest struct {
	ChunkID      string               `json:"chunk_id"`
	AttemptToken int64                `json:"attempt_token"`
	WorkerID     string               `json:"worker_id"`
	Metrics      model.PartialMetrics `json:"metrics"`
}

// ResultResponse acknowledges a submission. Accepted is false for
// stragglers and retransmissions, which is not an error.
type ResultResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// MetricsRequest queries windowed metrics, optionally bounded.
type MetricsRequest struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// MetricsResponse is the operator-facing aggregate: per-window derived
// metrics, chunk progress, parse errors, and the byte ranges left
// uncovered by permanently failed chunks.
type MetricsResponse struct {
	Windows     map[string]model.WindowMetrics `json:"windows"`
	Chunks      scheduler.Stats                `json:"chunks"`
	Uncovered   []model.ByteRange              `json:"uncovered,omitempty"`
	ParseErrors int64                          `json:"parse_errors"`
}
