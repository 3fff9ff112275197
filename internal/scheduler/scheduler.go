// Package scheduler owns the chunk table and its state machine:
//
//	pending -> assigned -> processing -> completed
//	assigned|processing -> pending (failure or reclaim, attempt_count+1)
//	assigned|processing|pending -> failed (attempts exhausted)
//
// completed and failed are terminal.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/model"
)

// Stats summarizes the chunk table for the operator surface.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Scheduler partitions a log source into chunks and hands them out to
// workers. All mutation goes through its methods under one mutex, so
// two concurrent Assign calls can never return the same chunk.
type Scheduler struct {
	logger      *zap.Logger
	maxAttempts int

	mu      sync.Mutex
	chunks  map[string]*model.Chunk
	pending []string // chunk ids awaiting assignment, in enqueue order
}

// New creates a scheduler. Chunks that fail maxAttempts times become
// permanently failed.
func New(maxAttempts int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:      logger.Named("chunk-scheduler"),
		maxAttempts: maxAttempts,
		chunks:      make(map[string]*model.Chunk),
	}
}

// Split partitions the source into chunks snapped to entry boundaries
// and enqueues them all as pending. It returns copies of the created
// chunks in range order.
func (s *Scheduler) Split(sourcePath string, sourceLength int64, boundaries []int64, targetChunks int) ([]model.Chunk, error) {
	ranges, err := SplitRanges(sourceLength, boundaries, targetChunks)
	if err != nil {
		return nil, fmt.Errorf("failed to split source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]model.Chunk, 0, len(ranges))
	for i, r := range ranges {
		c := &model.Chunk{
			ID:         fmt.Sprintf("chunk-%04d", i),
			SourcePath: sourcePath,
			Start:      r[0],
			End:        r[1],
			State:      model.ChunkStatePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.chunks[c.ID] = c
		s.pending = append(s.pending, c.ID)
		out = append(out, *c)
	}

	s.logger.Info("Source split into chunks",
		zap.String("source", sourcePath),
		zap.Int64("length", sourceLength),
		zap.Int("chunks", len(out)))

	return out, nil
}

// Assign atomically pops one pending chunk, stamps a fresh attempt
// token, and records the worker. Chunks with the fewest prior attempts
// go first, so healthy workers get fresh work before retried chunks.
// Returns false when nothing is pending; callers treat that as idle,
// not as an error.
func (s *Scheduler) Assign(workerID string) (model.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return model.Chunk{}, false
	}

	// Stable selection: least attempts first, enqueue order as tiebreak.
	best := -1
	for i, id := range s.pending {
		c := s.chunks[id]
		if best == -1 || c.AttemptCount < s.chunks[s.pending[best]].AttemptCount {
			best = i
		}
	}

	id := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)

	c := s.chunks[id]
	c.State = model.ChunkStateAssigned
	c.WorkerID = workerID
	c.AttemptToken++
	c.UpdatedAt = time.Now()

	s.logger.Debug("Chunk assigned",
		zap.String("chunk_id", c.ID),
		zap.String("worker_id", workerID),
		zap.Int64("attempt_token", c.AttemptToken),
		zap.Int("attempt_count", c.AttemptCount))

	return *c, true
}

// MarkProcessing records that the worker started on the chunk. Messages
// carrying a superseded token are dropped with ErrStaleAttempt.
func (s *Scheduler) MarkProcessing(chunkID string, token int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.validate(chunkID, token)
	if err != nil {
		return err
	}
	if c.State != model.ChunkStateAssigned && c.State != model.ChunkStateProcessing {
		return ErrStaleAttempt
	}

	c.State = model.ChunkStateProcessing
	c.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted transitions the chunk to its terminal completed state.
// The token check and the transition happen under one lock acquisition,
// so a completion racing a reclaim wins only if its token is still
// current at the instant it is applied.
func (s *Scheduler) MarkCompleted(chunkID string, token int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.validate(chunkID, token)
	if err != nil {
		return err
	}
	if c.State != model.ChunkStateAssigned && c.State != model.ChunkStateProcessing {
		return ErrStaleAttempt
	}

	c.State = model.ChunkStateCompleted
	c.UpdatedAt = time.Now()

	s.logger.Debug("Chunk completed",
		zap.String("chunk_id", c.ID),
		zap.String("worker_id", c.WorkerID))
	return nil
}

// MarkFailed requeues the chunk with an incremented attempt count, or
// permanently fails it once attempts are exhausted.
func (s *Scheduler) MarkFailed(chunkID string, token int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.validate(chunkID, token)
	if err != nil {
		return err
	}
	if c.State != model.ChunkStateAssigned && c.State != model.ChunkStateProcessing {
		return ErrStaleAttempt
	}

	s.requeueLocked(c)
	return nil
}

// Reclaim returns the chunks of a dead worker to the pending pool,
// subject to the same max-attempts cutoff as MarkFailed. It reports
// which chunks were requeued and which became permanently failed.
// Chunks already completed are left untouched.
func (s *Scheduler) Reclaim(chunkIDs []string) (requeued, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range chunkIDs {
		c, ok := s.chunks[id]
		if !ok || c.State.Terminal() || c.State == model.ChunkStatePending {
			continue
		}
		s.requeueLocked(c)
		if c.State == model.ChunkStateFailed {
			failed = append(failed, id)
		} else {
			requeued = append(requeued, id)
		}
	}
	return requeued, failed
}

// requeueLocked bumps the attempt count and either returns the chunk
// to pending or retires it as permanently failed.
func (s *Scheduler) requeueLocked(c *model.Chunk) {
	c.AttemptCount++
	c.WorkerID = ""
	c.UpdatedAt = time.Now()

	if c.AttemptCount >= s.maxAttempts {
		c.State = model.ChunkStateFailed
		s.logger.Error("Chunk permanently failed, byte range uncovered",
			zap.String("chunk_id", c.ID),
			zap.Int64("start", c.Start),
			zap.Int64("end", c.End),
			zap.Int("attempts", c.AttemptCount))
		return
	}

	c.State = model.ChunkStatePending
	s.pending = append(s.pending, c.ID)
	s.logger.Warn("Chunk requeued",
		zap.String("chunk_id", c.ID),
		zap.Int("attempt_count", c.AttemptCount))
}

// validate looks up a chunk and checks the attempt token.
func (s *Scheduler) validate(chunkID string, token int64) (*model.Chunk, error) {
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, ErrChunkNotFound
	}
	if c.State.Terminal() {
		return nil, ErrChunkTerminal
	}
	if c.AttemptToken != token {
		return nil, ErrStaleAttempt
	}
	return c, nil
}

// Get returns a copy of one chunk.
func (s *Scheduler) Get(chunkID string) (model.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return model.Chunk{}, false
	}
	return *c, true
}

// Chunks returns copies of all chunks, ordered by byte range.
func (s *Scheduler) Chunks() []model.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// UncoveredRanges returns the byte ranges of permanently failed chunks:
// the coverage gaps reported alongside final metrics.
func (s *Scheduler) UncoveredRanges() []model.ByteRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gaps []model.ByteRange
	for _, c := range s.chunks {
		if c.State == model.ChunkStateFailed {
			gaps = append(gaps, model.ByteRange{Start: c.Start, End: c.End})
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Start < gaps[j].Start })
	return gaps
}

// Stats counts chunks per state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.chunks)}
	for _, c := range s.chunks {
		switch c.State {
		case model.ChunkStatePending:
			st.Pending++
		case model.ChunkStateAssigned:
			st.Assigned++
		case model.ChunkStateProcessing:
			st.Processing++
		case model.ChunkStateCompleted:
			st.Completed++
		case model.ChunkStateFailed:
			st.Failed++
		}
	}
	return st
}

// Done reports whether every chunk has reached a terminal state.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.chunks {
		if !c.State.Terminal() {
			return false
		}
	}
	return len(s.chunks) > 0
}
