package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/logflow/internal/model"
)

func newSplitScheduler(t *testing.T, chunks int) *Scheduler {
	t.Helper()
	s := New(3, zaptest.NewLogger(t))

	var boundaries []int64
	for off := int64(10); off < 1000; off += 10 {
		boundaries = append(boundaries, off)
	}
	created, err := s.Split("/var/log/app.log", 1000, boundaries, chunks)
	require.NoError(t, err)
	require.Len(t, created, chunks)
	return s
}

func TestAssignHandsOutEachChunkOnce(t *testing.T) {
	s := newSplitScheduler(t, 4)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		c, ok := s.Assign("worker-1")
		require.True(t, ok)
		assert.False(t, seen[c.ID], "chunk %s assigned twice", c.ID)
		seen[c.ID] = true
		assert.Equal(t, model.ChunkStateAssigned, c.State)
		assert.Equal(t, int64(1), c.AttemptToken)
	}

	_, ok := s.Assign("worker-1")
	assert.False(t, ok)
}

func TestAssignConcurrentCallersNeverShareAChunk(t *testing.T) {
	s := newSplitScheduler(t, 50)

	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, ok := s.Assign("worker")
				if !ok {
					return
				}
				mu.Lock()
				counts[c.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, counts, 50)
	for id, n := range counts {
		assert.Equal(t, 1, n, "chunk %s handed out %d times", id, n)
	}
}

func TestAssignPrefersLeastAttempts(t *testing.T) {
	s := newSplitScheduler(t, 2)

	first, ok := s.Assign("worker-1")
	require.True(t, ok)

	// Fail the first chunk so it requeues with one attempt on record.
	require.NoError(t, s.MarkFailed(first.ID, first.AttemptToken))

	// The untouched chunk goes out before the retried one.
	next, ok := s.Assign("worker-2")
	require.True(t, ok)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Zero(t, next.AttemptCount)

	retried, ok := s.Assign("worker-2")
	require.True(t, ok)
	assert.Equal(t, first.ID, retried.ID)
	assert.Equal(t, 1, retried.AttemptCount)
	assert.Equal(t, int64(2), retried.AttemptToken)
}

func TestMarkCompletedValidatesToken(t *testing.T) {
	s := newSplitScheduler(t, 1)

	c, ok := s.Assign("worker-1")
	require.True(t, ok)

	// A stale token (older assignment) is rejected.
	assert.ErrorIs(t, s.MarkCompleted(c.ID, c.AttemptToken-1), ErrStaleAttempt)

	require.NoError(t, s.MarkProcessing(c.ID, c.AttemptToken))
	require.NoError(t, s.MarkCompleted(c.ID, c.AttemptToken))

	got, _ := s.Get(c.ID)
	assert.Equal(t, model.ChunkStateCompleted, got.State)

	// Completed chunks are immutable.
	assert.ErrorIs(t, s.MarkFailed(c.ID, c.AttemptToken), ErrChunkTerminal)
	assert.ErrorIs(t, s.MarkCompleted(c.ID, c.AttemptToken), ErrChunkTerminal)
}

func TestMarkProcessingUnknownChunk(t *testing.T) {
	s := New(3, zaptest.NewLogger(t))
	assert.ErrorIs(t, s.MarkProcessing("chunk-9999", 1), ErrChunkNotFound)
}

func TestMarkFailedExhaustsAttempts(t *testing.T) {
	s := newSplitScheduler(t, 1)

	var last model.Chunk
	for i := 0; i < 3; i++ {
		c, ok := s.Assign("worker-1")
		require.True(t, ok, "attempt %d", i)
		require.NoError(t, s.MarkFailed(c.ID, c.AttemptToken))
		last = c
	}

	// Three failures with max_attempts=3: permanently failed.
	_, ok := s.Assign("worker-1")
	assert.False(t, ok)

	got, _ := s.Get(last.ID)
	assert.Equal(t, model.ChunkStateFailed, got.State)
	assert.Equal(t, 3, got.AttemptCount)

	gaps := s.UncoveredRanges()
	require.Len(t, gaps, 1)
	assert.Equal(t, model.ByteRange{Start: 0, End: 1000}, gaps[0])
	assert.True(t, s.Done())
}

func TestReclaimRequeuesInFlightChunks(t *testing.T) {
	s := newSplitScheduler(t, 3)

	a, _ := s.Assign("worker-1")
	b, _ := s.Assign("worker-1")
	require.NoError(t, s.MarkProcessing(b.ID, b.AttemptToken))
	done, _ := s.Assign("worker-2")
	require.NoError(t, s.MarkCompleted(done.ID, done.AttemptToken))

	requeued, failed := s.Reclaim([]string{a.ID, b.ID, done.ID})
	assert.ElementsMatch(t, []string{a.ID, b.ID}, requeued)
	assert.Empty(t, failed)

	// The completed chunk is untouched.
	got, _ := s.Get(done.ID)
	assert.Equal(t, model.ChunkStateCompleted, got.State)

	// Reclaimed chunks are assignable again, with fresh tokens; the
	// old worker's late completion is now harmless.
	c, ok := s.Assign("worker-2")
	require.True(t, ok)
	assert.Greater(t, c.AttemptToken, a.AttemptToken)
	assert.ErrorIs(t, s.MarkCompleted(a.ID, a.AttemptToken), ErrStaleAttempt)
}

func TestStats(t *testing.T) {
	s := newSplitScheduler(t, 4)

	a, _ := s.Assign("worker-1")
	b, _ := s.Assign("worker-1")
	require.NoError(t, s.MarkProcessing(a.ID, a.AttemptToken))
	require.NoError(t, s.MarkCompleted(a.ID, a.AttemptToken))
	require.NoError(t, s.MarkProcessing(b.ID, b.AttemptToken))

	st := s.Stats()
	assert.Equal(t, Stats{Total: 4, Pending: 2, Processing: 1, Completed: 1}, st)
	assert.False(t, s.Done())
}
