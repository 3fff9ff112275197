// Package worker implements the processing node: it registers with
// the coordinator, heartbeats, and turns assigned chunks into partial
// metrics.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/analyzer"
	"github.com/t77yq/logflow/internal/config"
	"github.com/t77yq/logflow/internal/coordinator"
	"github.com/t77yq/logflow/internal/model"
)

const requestTimeout = 5 * time.Second

// Worker processes log chunks dispatched by the coordinator. All
// state it accumulates is per chunk and thrown away after submission;
// losing a worker loses nothing that cannot be recomputed.
type Worker struct {
	logger *zap.Logger
	nc     *nats.Conn
	cfg    *config.Worker
	retry  RetryStrategy

	mu         sync.Mutex
	id         string
	generation int64

	active   atomic.Int32
	sub      *nats.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker.
func New(cfg *config.Worker, nc *nats.Conn, logger *zap.Logger) *Worker {
	return &Worker{
		logger: logger.Named("worker"),
		nc:     nc,
		cfg:    cfg,
		retry: &ExponentialBackoff{
			InitialDelay: cfg.SubmitInitialBackoff,
			MaxDelay:     cfg.SubmitMaxBackoff,
			Multiplier:   2.0,
		},
		stop: make(chan struct{}),
	}
}

// ID returns the coordinator-assigned worker identity. Empty before
// Start.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Start registers with the coordinator, subscribes for assignments,
// and starts the heartbeat loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	sub, err := w.nc.Subscribe(coordinator.AssignSubject(w.ID()), func(msg *nats.Msg) {
		w.handleAssignment(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe for assignments: %w", err)
	}
	w.sub = sub

	go w.heartbeatLoop(ctx)

	w.logger.Info("Worker started",
		zap.String("worker_id", w.ID()),
		zap.Duration("heartbeat_interval", w.cfg.HeartbeatInterval))
	return nil
}

// Stop drains in-flight chunks and stops the heartbeat loop. Safe to
// call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.sub != nil {
			w.sub.Unsubscribe()
		}
		close(w.stop)
		w.wg.Wait()
		w.logger.Info("Worker stopped", zap.String("worker_id", w.ID()))
	})
}

// register requests an identity and generation, retrying with backoff
// while the coordinator is unreachable.
func (w *Worker) register(ctx context.Context) error {
	hostname, _ := os.Hostname()

	w.mu.Lock()
	req := coordinator.RegisterRequest{WorkerID: w.id, Address: hostname}
	if req.WorkerID == "" {
		req.WorkerID = w.cfg.WorkerID
	}
	w.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		msg, err := w.nc.RequestWithContext(ctx, coordinator.SubjectRegister, data)
		if err == nil {
			var resp coordinator.RegisterResponse
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				return fmt.Errorf("failed to unmarshal register response: %w", err)
			}
			if resp.Error != "" {
				return fmt.Errorf("registration rejected: %s", resp.Error)
			}

			w.mu.Lock()
			w.id = resp.WorkerID
			w.generation = resp.Generation
			w.mu.Unlock()

			w.logger.Info("Registered with coordinator",
				zap.String("worker_id", resp.WorkerID),
				zap.Int64("generation", resp.Generation))
			return nil
		}

		delay := w.retry.NextRetry(attempt)
		w.logger.Warn("Registration failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	w.mu.Lock()
	req := coordinator.HeartbeatRequest{
		WorkerID:   w.id,
		Generation: w.generation,
		Stats:      w.collectStats(),
	}
	w.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		w.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	msg, err := w.nc.RequestWithContext(rctx, coordinator.SubjectHeartbeat, data)
	if err != nil {
		w.logger.Warn("Heartbeat delivery failed", zap.Error(err))
		return
	}

	var resp coordinator.HeartbeatResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		w.logger.Error("Failed to unmarshal heartbeat response", zap.Error(err))
		return
	}
	if resp.Status == coordinator.StatusStaleGeneration {
		// The coordinator declared this incarnation dead. Re-register
		// for a fresh generation; outstanding attempts stay superseded.
		w.logger.Warn("Generation is stale, re-registering",
			zap.String("worker_id", req.WorkerID))
		if err := w.register(ctx); err != nil {
			w.logger.Error("Re-registration failed", zap.Error(err))
		}
	}
}

func (w *Worker) collectStats() model.WorkerStats {
	stats := model.WorkerStats{
		ActiveChunks: int(w.active.Load()),
		CollectedAt:  time.Now().UTC(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUUsage = percents[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsage = memInfo.UsedPercent
	}
	return stats
}

func (w *Worker) handleAssignment(ctx context.Context, msg *nats.Msg) {
	var a coordinator.Assignment
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		w.logger.Error("Failed to unmarshal assignment", zap.Error(err))
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processChunk(ctx, a)
	}()
}

func (w *Worker) processChunk(ctx context.Context, a coordinator.Assignment) {
	w.active.Add(1)
	defer w.active.Add(-1)

	logger := w.logger.With(
		zap.String("chunk_id", a.ChunkID),
		zap.Int64("attempt_token", a.AttemptToken))
	logger.Info("Processing chunk",
		zap.Int64("start", a.Start),
		zap.Int64("end", a.End))

	w.publishProgress(coordinator.Progress{
		ChunkID:      a.ChunkID,
		AttemptToken: a.AttemptToken,
		WorkerID:     w.ID(),
	})

	entries, malformed, err := readChunk(a.SourcePath, a.Start, a.End)
	if err != nil {
		logger.Error("Chunk processing failed", zap.Error(err))
		w.publishProgress(coordinator.Progress{
			ChunkID:      a.ChunkID,
			AttemptToken: a.AttemptToken,
			WorkerID:     w.ID(),
			Failed:       true,
			Error:        err.Error(),
		})
		return
	}

	local := analyzer.New(w.cfg.WindowSize, zap.NewNop())
	local.Update(entries)
	local.RecordParseErrors(malformed)

	if err := w.submitResult(ctx, a, local.Partial()); err != nil {
		logger.Error("Failed to submit chunk result", zap.Error(err))
		return
	}
	logger.Info("Chunk submitted",
		zap.Int("entries", len(entries)),
		zap.Int64("malformed", malformed))
}

func (w *Worker) publishProgress(p coordinator.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		w.logger.Error("Failed to marshal progress", zap.Error(err))
		return
	}
	if err := w.nc.Publish(coordinator.SubjectProgress, data); err != nil {
		w.logger.Warn("Failed to publish progress", zap.Error(err))
	}
}

// submitResult delivers the chunk's partial metrics with bounded
// retries. Retransmissions are safe: the coordinator accepts each
// (chunk, token) pair at most once.
func (w *Worker) submitResult(ctx context.Context, a coordinator.Assignment, partial model.PartialMetrics) error {
	req := coordinator.ResultRequest{
		ChunkID:      a.ChunkID,
		AttemptToken: a.AttemptToken,
		WorkerID:     w.ID(),
		Metrics:      partial,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.cfg.SubmitMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retry.NextRetry(attempt - 1)):
			}
		}

		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		msg, err := w.nc.RequestWithContext(rctx, coordinator.SubjectResult, data)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		var resp coordinator.ResultResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return fmt.Errorf("failed to unmarshal result response: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("result rejected: %s", resp.Error)
		}
		if !resp.Accepted {
			w.logger.Info("Result discarded as stale or duplicate",
				zap.String("chunk_id", a.ChunkID),
				zap.Int64("attempt_token", a.AttemptToken))
		}
		return nil
	}
	return fmt.Errorf("result submission exhausted %d attempts: %w", w.cfg.SubmitMaxAttempts, lastErr)
}
