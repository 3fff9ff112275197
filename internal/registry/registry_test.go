package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/logflow/internal/model"
)

func newTestRegistry(t *testing.T, now time.Time) *Registry {
	r := NewRegistry(zaptest.NewLogger(t))
	r.now = func() time.Time { return now }
	return r
}

func TestRegisterAllocatesID(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	id, gen, err := r.Register("", "nats://worker-a:4222")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1), gen)

	w, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.WorkerStateRegistered, w.State)
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	id, gen, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)

	id2, gen2, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, gen, gen2)
}

func TestRegisterDuplicateActiveWorker(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	_, _, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)

	_, _, err = r.Register("worker-1", "addr-2")
	assert.ErrorIs(t, err, ErrDuplicateActiveWorker)
}

func TestRegisterAfterDeathBumpsGeneration(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, now)

	id, gen, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(id, gen))
	r.TrackAssignment(id, "chunk-0001")

	reclaimed := r.LivenessSweep(now.Add(2*time.Minute), 30*time.Second, time.Minute)
	require.Contains(t, reclaimed, id)
	assert.Equal(t, []string{"chunk-0001"}, reclaimed[id])

	// Heartbeats from the dead incarnation are stale.
	assert.ErrorIs(t, r.Heartbeat(id, gen), ErrStaleGeneration)

	id2, gen2, err := r.Register("worker-1", "addr-3")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, gen+1, gen2)

	w, _ := r.Get(id)
	assert.Empty(t, w.AssignedChunks)
	assert.Equal(t, model.WorkerStateRegistered, w.State)
}

func TestHeartbeat(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	id, gen, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(id, gen))
	w, _ := r.Get(id)
	assert.Equal(t, model.WorkerStateActive, w.State)

	assert.ErrorIs(t, r.Heartbeat(id, gen+5), ErrStaleGeneration)
	assert.ErrorIs(t, r.Heartbeat("nobody", 1), ErrWorkerNotFound)
}

func TestLivenessSweepTransitions(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, now)

	id, gen, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(id, gen))

	// Within the suspect timeout nothing changes.
	reclaimed := r.LivenessSweep(now.Add(10*time.Second), 30*time.Second, time.Minute)
	assert.Empty(t, reclaimed)
	w, _ := r.Get(id)
	assert.Equal(t, model.WorkerStateActive, w.State)

	// Past suspect timeout, not yet dead.
	reclaimed = r.LivenessSweep(now.Add(45*time.Second), 30*time.Second, time.Minute)
	assert.Empty(t, reclaimed)
	w, _ = r.Get(id)
	assert.Equal(t, model.WorkerStateSuspected, w.State)

	// A heartbeat recovers a suspected worker.
	require.NoError(t, r.Heartbeat(id, gen))
	w, _ = r.Get(id)
	assert.Equal(t, model.WorkerStateActive, w.State)

	// Past dead timeout the worker is reaped.
	reclaimed = r.LivenessSweep(now.Add(5*time.Minute), 30*time.Second, time.Minute)
	assert.Contains(t, reclaimed, id)
	w, _ = r.Get(id)
	assert.Equal(t, model.WorkerStateDead, w.State)

	// Dead workers are not swept twice.
	reclaimed = r.LivenessSweep(now.Add(10*time.Minute), 30*time.Second, time.Minute)
	assert.Empty(t, reclaimed)
}

func TestLiveWorkersSortedByLoad(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	idA, genA, _ := r.Register("worker-a", "addr-a")
	idB, genB, _ := r.Register("worker-b", "addr-b")
	require.NoError(t, r.Heartbeat(idA, genA))
	require.NoError(t, r.Heartbeat(idB, genB))

	r.TrackAssignment(idA, "chunk-0001")
	r.TrackAssignment(idA, "chunk-0002")
	r.TrackAssignment(idB, "chunk-0003")

	live := r.LiveWorkers()
	require.Len(t, live, 2)
	assert.Equal(t, idB, live[0].ID)

	r.UntrackAssignment(idA, "chunk-0001")
	r.UntrackAssignment(idA, "chunk-0002")
	live = r.LiveWorkers()
	assert.Equal(t, idA, live[0].ID)
}

func TestTrackAssignmentRejectsDeadWorker(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, now)

	id, gen, err := r.Register("worker-1", "addr-1")
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(id, gen))
	assert.True(t, r.TrackAssignment(id, "chunk-0001"))

	// The worker goes silent and is swept dead; its chunk set is
	// drained once and never looked at again.
	dead := r.LivenessSweep(now.Add(5*time.Minute), 30*time.Second, time.Minute)
	require.Contains(t, dead, id)

	// Tracking against the dead worker must be refused, otherwise the
	// chunk would be stranded on a worker no sweep will ever reclaim.
	assert.False(t, r.TrackAssignment(id, "chunk-0002"))

	w, ok := r.Get(id)
	require.True(t, ok)
	assert.Empty(t, w.AssignedChunks)
}

func TestTrackAssignmentUnknownWorker(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	assert.False(t, r.TrackAssignment("no-such-worker", "chunk-0001"))
}
