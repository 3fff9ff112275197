// Package monitor drives liveness transitions and operator alerts.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/registry"
	"github.com/t77yq/logflow/internal/scheduler"
	"github.com/t77yq/logflow/internal/storage"
)

// HeartbeatMonitor periodically sweeps the registry for stale workers
// and returns their in-flight chunks to the scheduler. The sweep never
// touches the network; it only takes the in-memory state locks, so a
// slow worker connection can never stall liveness detection.
type HeartbeatMonitor struct {
	logger    *zap.Logger
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	alerts    *AlertManager               // optional
	history   storage.ChunkHistoryStorage // optional

	interval       time.Duration
	suspectTimeout time.Duration
	deadTimeout    time.Duration

	stop chan struct{}
}

// NewHeartbeatMonitor creates a heartbeat monitor. alerts and history
// may be nil.
func NewHeartbeatMonitor(reg *registry.Registry, sched *scheduler.Scheduler, alerts *AlertManager, history storage.ChunkHistoryStorage, interval, suspectTimeout, deadTimeout time.Duration, logger *zap.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		logger:         logger.Named("heartbeat-monitor"),
		registry:       reg,
		scheduler:      sched,
		alerts:         alerts,
		history:        history,
		interval:       interval,
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
		stop:           make(chan struct{}),
	}
}

// Start starts the sweep loop.
func (m *HeartbeatMonitor) Start(ctx context.Context) error {
	m.logger.Info("Starting heartbeat monitor",
		zap.Duration("interval", m.interval),
		zap.Duration("suspect_timeout", m.suspectTimeout),
		zap.Duration("dead_timeout", m.deadTimeout))

	go m.sweepLoop(ctx)
	return nil
}

// Stop stops the sweep loop.
func (m *HeartbeatMonitor) Stop() {
	m.logger.Info("Stopping heartbeat monitor")
	close(m.stop)
}

func (m *HeartbeatMonitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one liveness evaluation. The dead transition and the
// scheduler reclaim happen back to back; the reclaim bumps each
// chunk's attempt state before the chunk becomes assignable again.
func (m *HeartbeatMonitor) Sweep(ctx context.Context, now time.Time) {
	dead := m.registry.LivenessSweep(now, m.suspectTimeout, m.deadTimeout)
	for workerID, chunkIDs := range dead {
		requeued, failed := m.scheduler.Reclaim(chunkIDs)

		m.logger.Warn("Reclaimed chunks from dead worker",
			zap.String("worker_id", workerID),
			zap.Strings("requeued", requeued),
			zap.Strings("failed", failed))

		if m.alerts != nil {
			m.alerts.WorkerDied(workerID, chunkIDs)
		}
		m.recordReclaims(ctx, workerID, requeued, storage.OutcomeReclaimed)
		m.recordReclaims(ctx, workerID, failed, storage.OutcomeExhausted)

		if m.alerts != nil {
			for _, chunkID := range failed {
				if chunk, ok := m.scheduler.Get(chunkID); ok {
					m.alerts.ChunkExhausted(chunk)
				}
			}
		}
	}
}

func (m *HeartbeatMonitor) recordReclaims(ctx context.Context, workerID string, chunkIDs []string, outcome string) {
	if m.history == nil {
		return
	}
	for _, chunkID := range chunkIDs {
		chunk, ok := m.scheduler.Get(chunkID)
		if !ok {
			continue
		}
		err := m.history.RecordAttempt(ctx, &storage.AttemptRecord{
			ChunkID:      chunkID,
			WorkerID:     workerID,
			AttemptToken: chunk.AttemptToken,
			Outcome:      outcome,
			RangeStart:   chunk.Start,
			RangeEnd:     chunk.End,
		})
		if err != nil {
			m.logger.Error("Failed to record reclaim history", zap.Error(err))
		}
	}
}
