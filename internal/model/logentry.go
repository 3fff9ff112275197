package model

import "time"

// Severity levels recognized in parsed log lines.
const (
	LevelError   = "ERROR"
	LevelWarn    = "WARN"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
	LevelUnknown = "UNKNOWN"
)

// MetricResponseTime is the named metric carrying a request's response
// time in milliseconds.
const MetricResponseTime = "response_time"

// LogEntry is a single parsed log line. Entries are ephemeral: they are
// folded into window counters and never persisted.
type LogEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Level     string             `json:"level"`
	Message   string             `json:"message"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}
