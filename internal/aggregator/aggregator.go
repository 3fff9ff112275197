// Package aggregator correlates result submissions to chunk attempts,
// discards stragglers and duplicates, and feeds accepted partial
// metrics into the analyzer.
package aggregator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/analyzer"
	"github.com/t77yq/logflow/internal/model"
	"github.com/t77yq/logflow/internal/registry"
	"github.com/t77yq/logflow/internal/scheduler"
	"github.com/t77yq/logflow/internal/storage"
)

// Aggregator validates attempt tokens before any metrics are applied.
// The chunk is marked completed first and merged second: completion is
// the atomic gate (token checked and state flipped under the scheduler
// lock), so a reclaim racing a submission can never double-count.
type Aggregator struct {
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	analyzer  *analyzer.Analyzer
	registry  *registry.Registry
	history   storage.ChunkHistoryStorage // optional

	mu       sync.Mutex
	accepted map[string]int64 // chunk id -> token of the accepted submission
}

// New creates a result aggregator. history may be nil.
func New(sched *scheduler.Scheduler, an *analyzer.Analyzer, reg *registry.Registry, history storage.ChunkHistoryStorage, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger:    logger.Named("result-aggregator"),
		scheduler: sched,
		analyzer:  an,
		registry:  reg,
		history:   history,
		accepted:  make(map[string]int64),
	}
}

// Submit processes one result submission. It returns true when the
// metrics were applied. Stale tokens and retransmissions return false
// with no error: the submitter just gets an acknowledgment, since the
// coordinator has already reassigned or accounted for the work.
func (g *Aggregator) Submit(ctx context.Context, chunkID string, token int64, metrics model.PartialMetrics) (bool, error) {
	// Retransmission of an already-accepted (chunk, token) pair is a
	// no-op.
	g.mu.Lock()
	if prev, ok := g.accepted[chunkID]; ok && prev == token {
		g.mu.Unlock()
		g.logger.Debug("Duplicate submission ignored",
			zap.String("chunk_id", chunkID),
			zap.Int64("attempt_token", token))
		return false, nil
	}
	g.mu.Unlock()

	chunk, ok := g.scheduler.Get(chunkID)
	if !ok {
		g.logger.Warn("Submission for unknown chunk dropped",
			zap.String("chunk_id", chunkID))
		return false, scheduler.ErrChunkNotFound
	}

	// Completion is the gate: it validates the token and transitions
	// the chunk atomically. If a reclaim got there first the token is
	// stale and the submission is a harmless straggler.
	if err := g.scheduler.MarkCompleted(chunkID, token); err != nil {
		g.logger.Info("Stale submission discarded",
			zap.String("chunk_id", chunkID),
			zap.Int64("attempt_token", token),
			zap.String("reason", err.Error()))
		g.recordOutcome(ctx, chunk, token, storage.OutcomeDiscarded, err.Error())
		return false, nil
	}

	if err := g.analyzer.Merge(metrics); err != nil {
		// The chunk stays completed: re-delivery of unparseable
		// metrics would fail identically.
		g.logger.Error("Failed to merge partial metrics",
			zap.String("chunk_id", chunkID),
			zap.Error(err))
		return false, err
	}

	g.mu.Lock()
	g.accepted[chunkID] = token
	g.mu.Unlock()

	if chunk.WorkerID != "" {
		g.registry.UntrackAssignment(chunk.WorkerID, chunkID)
	}
	g.recordOutcome(ctx, chunk, token, storage.OutcomeCompleted, "")

	g.logger.Info("Chunk result accepted",
		zap.String("chunk_id", chunkID),
		zap.String("worker_id", chunk.WorkerID),
		zap.Int64("attempt_token", token),
		zap.Int("windows", len(metrics.Windows)))

	return true, nil
}

func (g *Aggregator) recordOutcome(ctx context.Context, chunk model.Chunk, token int64, outcome, detail string) {
	if g.history == nil {
		return
	}
	err := g.history.RecordAttempt(ctx, &storage.AttemptRecord{
		ChunkID:      chunk.ID,
		WorkerID:     chunk.WorkerID,
		AttemptToken: token,
		Outcome:      outcome,
		Detail:       detail,
		RangeStart:   chunk.Start,
		RangeEnd:     chunk.End,
	})
	if err != nil {
		g.logger.Error("Failed to record attempt history", zap.Error(err))
	}
}
