package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/analyzer"
	"github.com/t77yq/logflow/internal/model"
)

const maxRecentAlerts = 128

// AlertManager publishes operator alerts over NATS (`alert.<type>`) and
// keeps a bounded in-memory tail for inspection. Besides the event
// alerts raised by the heartbeat monitor, it periodically evaluates the
// window table and alerts once per window whose error rate crosses the
// configured threshold.
type AlertManager struct {
	logger    *zap.Logger
	nc        *nats.Conn // nil disables publishing
	analyzer  *analyzer.Analyzer
	threshold float64
	interval  time.Duration

	mu     sync.Mutex
	recent []model.Alert
	fired  map[string]struct{} // window keys already alerted on

	stop chan struct{}
}

// NewAlertManager creates an alert manager. A threshold <= 0 disables
// error-rate evaluation.
func NewAlertManager(nc *nats.Conn, an *analyzer.Analyzer, errorRateThreshold float64, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:    logger.Named("alert-manager"),
		nc:        nc,
		analyzer:  an,
		threshold: errorRateThreshold,
		interval:  30 * time.Second,
		fired:     make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// Start starts the error-rate evaluation loop.
func (m *AlertManager) Start(ctx context.Context) error {
	if m.threshold <= 0 {
		m.logger.Info("Error-rate alerting disabled")
		return nil
	}

	go m.evaluationLoop(ctx)
	m.logger.Info("Alert manager started", zap.Float64("error_rate_threshold", m.threshold))
	return nil
}

// Stop stops the evaluation loop.
func (m *AlertManager) Stop() {
	close(m.stop)
}

// WorkerDied raises an alert for a worker declared dead.
func (m *AlertManager) WorkerDied(workerID string, chunkIDs []string) {
	m.raise(&model.Alert{
		Type:     model.AlertTypeWorkerDeath,
		Severity: model.AlertSeverityWarning,
		Message:  fmt.Sprintf("worker %s missed heartbeats past dead timeout", workerID),
		Data: map[string]interface{}{
			"worker_id":        workerID,
			"reclaimed_chunks": chunkIDs,
		},
	})
}

// ChunkExhausted raises an alert for a chunk that ran out of attempts,
// leaving its byte range uncovered in the final metrics.
func (m *AlertManager) ChunkExhausted(chunk model.Chunk) {
	m.raise(&model.Alert{
		Type:     model.AlertTypeChunkFailure,
		Severity: model.AlertSeverityError,
		Message:  fmt.Sprintf("chunk %s permanently failed after %d attempts", chunk.ID, chunk.AttemptCount),
		Data: map[string]interface{}{
			"chunk_id":    chunk.ID,
			"range_start": chunk.Start,
			"range_end":   chunk.End,
		},
	})
}

// Recent returns a copy of the retained alert tail, newest last.
func (m *AlertManager) Recent() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Alert, len(m.recent))
	copy(out, m.recent)
	return out
}

func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.evaluateErrorRates()
		}
	}
}

func (m *AlertManager) evaluateErrorRates() {
	snap := m.analyzer.Snapshot(time.Time{}, time.Time{})
	for key, w := range snap {
		if w.RequestCount == 0 || w.ErrorRate < m.threshold {
			continue
		}

		m.mu.Lock()
		_, seen := m.fired[key]
		if !seen {
			m.fired[key] = struct{}{}
		}
		m.mu.Unlock()
		if seen {
			continue
		}

		m.raise(&model.Alert{
			Type:     model.AlertTypeErrorRate,
			Severity: model.AlertSeverityCritical,
			Message:  fmt.Sprintf("error rate %.3f in window %s exceeds threshold %.3f", w.ErrorRate, key, m.threshold),
			Data: map[string]interface{}{
				"window":        key,
				"error_rate":    w.ErrorRate,
				"request_count": w.RequestCount,
			},
		})
	}
}

func (m *AlertManager) raise(alert *model.Alert) {
	alert.ID = uuid.New().String()
	alert.CreatedAt = time.Now()

	m.mu.Lock()
	m.recent = append(m.recent, *alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	m.mu.Unlock()

	m.logger.Warn("Alert raised",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	if m.nc == nil {
		return
	}

	data, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if err := m.nc.Publish("alert."+string(alert.Type), data); err != nil {
		m.logger.Error("Failed to publish alert", zap.Error(err))
	}
}
