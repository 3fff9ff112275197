package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeWorkerDeath fires when a worker misses heartbeats past
	// the dead timeout and its chunks are reclaimed.
	AlertTypeWorkerDeath AlertType = "worker_death"

	// AlertTypeChunkFailure fires when a chunk exhausts its attempts
	// and becomes permanently failed, leaving a coverage gap.
	AlertTypeChunkFailure AlertType = "chunk_failure"

	// AlertTypeErrorRate fires when a window's error rate exceeds the
	// configured threshold.
	AlertTypeErrorRate AlertType = "error_rate"
)

// Alert represents an alert event published to the operator surface
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
