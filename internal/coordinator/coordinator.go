// Package coordinator binds the registry, scheduler, analyzer, and
// aggregator together and serves the worker protocol over NATS.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/aggregator"
	"github.com/t77yq/logflow/internal/analyzer"
	"github.com/t77yq/logflow/internal/config"
	"github.com/t77yq/logflow/internal/model"
	"github.com/t77yq/logflow/internal/monitor"
	"github.com/t77yq/logflow/internal/registry"
	"github.com/t77yq/logflow/internal/scheduler"
	"github.com/t77yq/logflow/internal/storage"
)

// Coordinator is the composition root of the control node. It
// exclusively owns the worker registry, the chunk table, and the
// window table; workers interact with them only through the protocol
// handlers.
type Coordinator struct {
	logger *zap.Logger
	nc     *nats.Conn
	cfg    *config.Coordinator

	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	analyzer   *analyzer.Analyzer
	aggregator *aggregator.Aggregator
	alerts     *monitor.AlertManager
	monitor    *monitor.HeartbeatMonitor

	subs []*nats.Subscription
	stop chan struct{}
}

// New creates a coordinator. history may be nil to disable the attempt
// audit trail.
func New(cfg *config.Coordinator, nc *nats.Conn, history storage.ChunkHistoryStorage, logger *zap.Logger) *Coordinator {
	reg := registry.NewRegistry(logger)
	sched := scheduler.New(cfg.MaxAttempts, logger)
	an := analyzer.New(cfg.WindowSize, logger)
	alerts := monitor.NewAlertManager(nc, an, cfg.ErrorRateThreshold, logger)

	return &Coordinator{
		logger:     logger.Named("coordinator"),
		nc:         nc,
		cfg:        cfg,
		registry:   reg,
		scheduler:  sched,
		analyzer:   an,
		aggregator: aggregator.New(sched, an, reg, history, logger),
		alerts:     alerts,
		monitor: monitor.NewHeartbeatMonitor(reg, sched, alerts, history,
			cfg.SweepInterval, cfg.SuspectTimeout, cfg.DeadTimeout, logger),
		stop: make(chan struct{}),
	}
}

// Registry exposes the worker registry for the operator surface.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Scheduler exposes the chunk scheduler for the operator surface.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Analyzer exposes the metrics engine for the operator surface.
func (c *Coordinator) Analyzer() *analyzer.Analyzer { return c.analyzer }

// Alerts exposes the alert manager for the operator surface.
func (c *Coordinator) Alerts() *monitor.AlertManager { return c.alerts }

// LoadSource scans the log source and splits it into pending chunks.
func (c *Coordinator) LoadSource(path string) error {
	length, boundaries, err := inspectSource(path)
	if err != nil {
		return err
	}
	if _, err := c.scheduler.Split(path, length, boundaries, c.cfg.TargetChunks); err != nil {
		return err
	}
	return nil
}

// Start subscribes the protocol handlers and starts the liveness sweep
// and the assignment dispatch loop.
func (c *Coordinator) Start(ctx context.Context) error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectRegister, c.handleRegister},
		{SubjectHeartbeat, c.handleHeartbeat},
		{SubjectResult, c.handleResult},
		{SubjectProgress, c.handleProgress},
		{SubjectMetrics, c.handleMetrics},
	}
	for _, h := range handlers {
		sub, err := c.nc.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", h.subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	if err := c.monitor.Start(ctx); err != nil {
		return err
	}
	if err := c.alerts.Start(ctx); err != nil {
		return err
	}

	go c.dispatchLoop(ctx)

	c.logger.Info("Coordinator started",
		zap.Int("target_chunks", c.cfg.TargetChunks),
		zap.Int("max_attempts", c.cfg.MaxAttempts))
	return nil
}

// Stop unsubscribes the handlers and stops the background loops.
func (c *Coordinator) Stop() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.monitor.Stop()
	c.alerts.Stop()
	close(c.stop)
	c.logger.Info("Coordinator stopped")
}

// Done reports whether every chunk has reached a terminal state.
func (c *Coordinator) Done() bool {
	return c.scheduler.Done()
}

func (c *Coordinator) handleRegister(msg *nats.Msg) {
	var req RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Error("Failed to unmarshal register request", zap.Error(err))
		return
	}

	id, generation, err := c.registry.Register(req.WorkerID, req.Address)
	if err != nil {
		c.respond(msg, RegisterResponse{Error: err.Error()})
		return
	}
	c.respond(msg, RegisterResponse{WorkerID: id, Generation: generation})
}

func (c *Coordinator) handleHeartbeat(msg *nats.Msg) {
	var req HeartbeatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
		return
	}

	err := c.registry.Heartbeat(req.WorkerID, req.Generation)
	switch {
	case err == nil:
		c.logger.Debug("Heartbeat received",
			zap.String("worker_id", req.WorkerID),
			zap.Int("active_chunks", req.Stats.ActiveChunks),
			zap.Float64("cpu_usage", req.Stats.CPUUsage),
			zap.Float64("memory_usage", req.Stats.MemoryUsage))
		c.respond(msg, HeartbeatResponse{Status: StatusOK})
	case errors.Is(err, registry.ErrStaleGeneration), errors.Is(err, registry.ErrWorkerNotFound):
		// Not an error: the worker was superseded and should
		// re-register for a fresh generation.
		c.respond(msg, HeartbeatResponse{Status: StatusStaleGeneration})
	default:
		c.logger.Error("Heartbeat failed", zap.Error(err))
	}
}

func (c *Coordinator) handleProgress(msg *nats.Msg) {
	var p Progress
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.logger.Error("Failed to unmarshal progress", zap.Error(err))
		return
	}

	var err error
	if p.Failed {
		err = c.scheduler.MarkFailed(p.ChunkID, p.AttemptToken)
		if err == nil {
			c.registry.UntrackAssignment(p.WorkerID, p.ChunkID)
			c.logger.Warn("Worker reported chunk failure",
				zap.String("chunk_id", p.ChunkID),
				zap.String("worker_id", p.WorkerID),
				zap.String("error", p.Error))
		}
	} else {
		err = c.scheduler.MarkProcessing(p.ChunkID, p.AttemptToken)
	}

	// Stale progress belongs to a superseded attempt; drop it quietly.
	if err != nil && !errors.Is(err, scheduler.ErrStaleAttempt) && !errors.Is(err, scheduler.ErrChunkTerminal) {
		c.logger.Error("Failed to apply progress",
			zap.String("chunk_id", p.ChunkID),
			zap.Error(err))
	}
}

func (c *Coordinator) handleResult(msg *nats.Msg) {
	var req ResultRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Error("Failed to unmarshal result", zap.Error(err))
		return
	}

	accepted, err := c.aggregator.Submit(context.Background(), req.ChunkID, req.AttemptToken, req.Metrics)
	if err != nil && !errors.Is(err, scheduler.ErrChunkNotFound) {
		c.respond(msg, ResultResponse{Error: err.Error()})
		return
	}
	// Stragglers and duplicates still get a plain acknowledgment: the
	// work is already accounted for, there is nothing for the worker
	// to fix.
	c.respond(msg, ResultResponse{Accepted: accepted})
}

func (c *Coordinator) handleMetrics(msg *nats.Msg) {
	var req MetricsRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.logger.Error("Failed to unmarshal metrics query", zap.Error(err))
			return
		}
	}

	c.respond(msg, MetricsResponse{
		Windows:     c.analyzer.Snapshot(req.From, req.To),
		Chunks:      c.scheduler.Stats(),
		Uncovered:   c.scheduler.UncoveredRanges(),
		ParseErrors: c.analyzer.ParseErrors(),
	})
}

func (c *Coordinator) respond(msg *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Error("Failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// dispatchLoop pushes pending chunks to live workers, fewest in-flight
// chunks first.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.dispatchPending()
		}
	}
}

func (c *Coordinator) dispatchPending() {
	for _, w := range c.registry.LiveWorkers() {
		inflight := len(w.AssignedChunks)
		for inflight < c.cfg.MaxInflightPerWorker {
			chunk, ok := c.scheduler.Assign(w.ID)
			if !ok {
				return
			}
			// The worker list is a snapshot; a sweep may have declared
			// this worker dead in the meantime. An untracked chunk
			// would never be reclaimed, so requeue it right away.
			if !c.registry.TrackAssignment(w.ID, chunk.ID) {
				c.logger.Warn("Worker died before assignment, requeueing",
					zap.String("chunk_id", chunk.ID),
					zap.String("worker_id", w.ID))
				c.scheduler.MarkFailed(chunk.ID, chunk.AttemptToken)
				break
			}
			inflight++

			if err := c.sendAssignment(w.ID, chunk); err != nil {
				c.logger.Error("Failed to dispatch assignment",
					zap.String("chunk_id", chunk.ID),
					zap.String("worker_id", w.ID),
					zap.Error(err))
				// Delivery failed before it left the coordinator;
				// requeue immediately instead of waiting for the
				// dead-worker sweep.
				c.scheduler.MarkFailed(chunk.ID, chunk.AttemptToken)
				c.registry.UntrackAssignment(w.ID, chunk.ID)
				break
			}

			c.logger.Debug("Assignment dispatched",
				zap.String("chunk_id", chunk.ID),
				zap.String("worker_id", w.ID),
				zap.Int64("attempt_token", chunk.AttemptToken))
		}
	}
}

func (c *Coordinator) sendAssignment(workerID string, chunk model.Chunk) error {
	data, err := json.Marshal(Assignment{
		ChunkID:      chunk.ID,
		AttemptToken: chunk.AttemptToken,
		SourcePath:   chunk.SourcePath,
		Start:        chunk.Start,
		End:          chunk.End,
	})
	if err != nil {
		return err
	}
	return c.nc.Publish(AssignSubject(workerID), data)
}
