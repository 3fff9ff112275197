// Package analyzer maintains time-windowed operational metrics over the
// parsed log stream: request volume, error rate, and average response
// time per fixed-width window.
package analyzer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/model"
)

// Analyzer folds log entries and pre-aggregated partial counters into a
// window table. Response times are accumulated as sum/count, never as
// raw sample lists, so memory stays bounded regardless of volume.
// Merging is element-wise addition: commutative and associative, so the
// result is independent of the order workers submit in.
type Analyzer struct {
	logger     *zap.Logger
	windowSize time.Duration

	mu          sync.RWMutex
	windows     map[time.Time]*model.WindowCounters
	parseErrors int64
}

// New creates an analyzer with the given window width (e.g. one minute).
func New(windowSize time.Duration, logger *zap.Logger) *Analyzer {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &Analyzer{
		logger:     logger.Named("analyzer"),
		windowSize: windowSize,
		windows:    make(map[time.Time]*model.WindowCounters),
	}
}

// WindowSize returns the configured window width.
func (a *Analyzer) WindowSize() time.Duration {
	return a.windowSize
}

// Update folds raw parsed entries into the window table. This is the
// local path used by workers; the coordinator receives the same data
// pre-aggregated via Merge.
func (a *Analyzer) Update(entries []model.LogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range entries {
		w := a.windowLocked(model.WindowOf(e.Timestamp, a.windowSize))
		w.RequestCount++
		if e.Level == model.LevelError {
			w.ErrorCount++
		}
		if rt, ok := e.Metrics[model.MetricResponseTime]; ok {
			w.ResponseTimeSum += rt
			w.ResponseTimeCount++
		}
	}
}

// Merge folds one submission's partial counters into the table as a
// single atomic step, so snapshots never observe a half-applied merge.
func (a *Analyzer) Merge(p model.PartialMetrics) error {
	parsed := make(map[time.Time]model.WindowCounters, len(p.Windows))
	for key, counters := range p.Windows {
		start, err := model.ParseWindow(key)
		if err != nil {
			return fmt.Errorf("invalid window key %q: %w", key, err)
		}
		// Several submitted keys can truncate to one local window when
		// the submitter used a finer window size; their counters sum.
		bucket := model.WindowOf(start, a.windowSize)
		sum := parsed[bucket]
		sum.Add(counters)
		parsed[bucket] = sum
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for start, counters := range parsed {
		a.windowLocked(start).Add(counters)
	}
	a.parseErrors += p.ParseErrors
	return nil
}

// RecordParseErrors adds to the malformed-line counter.
func (a *Analyzer) RecordParseErrors(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parseErrors += n
}

// ParseErrors returns the total count of lines that failed to parse.
func (a *Analyzer) ParseErrors() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.parseErrors
}

// Partial exports the current window table as transportable partial
// counters. Workers call this to submit one chunk's contribution.
func (a *Analyzer) Partial() model.PartialMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p := model.PartialMetrics{
		Windows:     make(map[string]model.WindowCounters, len(a.windows)),
		ParseErrors: a.parseErrors,
	}
	for start, counters := range a.windows {
		p.Windows[model.FormatWindow(start)] = *counters
	}
	return p
}

// Snapshot derives the operator-facing view, optionally restricted to
// [from, to). Zero bounds mean unbounded. A window with zero requests
// reports an error rate of 0, and a window with no response-time
// samples reports an average of 0.
func (a *Analyzer) Snapshot(from, to time.Time) map[string]model.WindowMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]model.WindowMetrics)
	for start, c := range a.windows {
		if !from.IsZero() && start.Before(from) {
			continue
		}
		if !to.IsZero() && !start.Before(to) {
			continue
		}

		m := model.WindowMetrics{
			RequestCount: c.RequestCount,
			ErrorCount:   c.ErrorCount,
		}
		if c.RequestCount > 0 {
			m.ErrorRate = float64(c.ErrorCount) / float64(c.RequestCount)
		}
		if c.ResponseTimeCount > 0 {
			m.AvgResponseTime = c.ResponseTimeSum / float64(c.ResponseTimeCount)
		}
		out[model.FormatWindow(start)] = m
	}
	return out
}

func (a *Analyzer) windowLocked(start time.Time) *model.WindowCounters {
	// Normalize to UTC: map keys are compared including location.
	start = start.UTC()
	w, ok := a.windows[start]
	if !ok {
		w = &model.WindowCounters{}
		a.windows[start] = w
	}
	return w
}
