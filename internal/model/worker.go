package model

import "time"

// WorkerState represents the liveness state of a worker
type WorkerState string

const (
	WorkerStateRegistered WorkerState = "registered"
	WorkerStateActive     WorkerState = "active"
	WorkerStateSuspected  WorkerState = "suspected"
	WorkerStateDead       WorkerState = "dead"
)

// Worker represents a log-processing node known to the coordinator.
// Generation increments each time the same identity re-registers after
// being declared dead; attempt tokens issued under an older generation
// are invalid.
type Worker struct {
	ID            string      `json:"id"`
	Address       string      `json:"address"`
	State         WorkerState `json:"state"`
	Generation    int64       `json:"generation"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`

	// Chunk ids currently assigned to this worker. Not serialized;
	// owned by the registry.
	AssignedChunks map[string]struct{} `json:"-"`
}

// WorkerStats represents load statistics reported with each heartbeat
type WorkerStats struct {
	ActiveChunks int       `json:"active_chunks"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	CollectedAt  time.Time `json:"collected_at"`
}
