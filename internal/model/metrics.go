package model

import "time"

// WindowKeyLayout is the wire format for window keys: the RFC 3339
// timestamp of the window's start.
const WindowKeyLayout = time.RFC3339

// WindowOf truncates t to the start of its window.
func WindowOf(t time.Time, size time.Duration) time.Time {
	return t.Truncate(size)
}

// FormatWindow renders a window start as a wire key.
func FormatWindow(w time.Time) string {
	return w.UTC().Format(WindowKeyLayout)
}

// ParseWindow parses a wire key back into a window start.
func ParseWindow(key string) (time.Time, error) {
	return time.Parse(WindowKeyLayout, key)
}

// WindowCounters holds the raw per-window accumulators. Response times
// are kept as a running sum and count rather than raw samples so memory
// stays bounded under high volume.
type WindowCounters struct {
	RequestCount      int64   `json:"request_count"`
	ErrorCount        int64   `json:"error_count"`
	ResponseTimeSum   float64 `json:"response_time_sum"`
	ResponseTimeCount int64   `json:"response_time_count"`
}

// Add folds o into c element-wise. Addition is commutative and
// associative, so merged results are independent of arrival order.
func (c *WindowCounters) Add(o WindowCounters) {
	c.RequestCount += o.RequestCount
	c.ErrorCount += o.ErrorCount
	c.ResponseTimeSum += o.ResponseTimeSum
	c.ResponseTimeCount += o.ResponseTimeCount
}

// PartialMetrics is one worker's contribution for one chunk attempt:
// per-window counters keyed by FormatWindow, plus the count of lines
// that could not be parsed (malformed lines carry no usable timestamp,
// so they cannot be attributed to a window).
type PartialMetrics struct {
	Windows     map[string]WindowCounters `json:"windows"`
	ParseErrors int64                     `json:"parse_errors"`
}

// WindowMetrics is the derived, operator-facing view of one window.
type WindowMetrics struct {
	ErrorRate       float64 `json:"error_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
	RequestCount    int64   `json:"request_count"`
	ErrorCount      int64   `json:"error_count"`
}
