// Package registry tracks worker identities, addresses, and liveness.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/model"
)

// Registry is the coordinator's worker table. All access goes through
// its methods; the table is never shared directly across goroutines.
type Registry struct {
	logger  *zap.Logger
	mu      sync.Mutex
	workers map[string]*model.Worker
	now     func() time.Time
}

// NewRegistry creates an empty worker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("registry"),
		workers: make(map[string]*model.Worker),
		now:     time.Now,
	}
}

// Register creates or replaces a worker entry and returns the assigned
// id and generation. Registration is idempotent: re-registering a live
// worker at the same address returns its existing generation. A worker
// returning after being declared dead gets a fresh generation, which
// invalidates every attempt token issued under the old one.
func (r *Registry) Register(requestedID, address string) (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := requestedID
	if id == "" {
		id = uuid.New().String()
	}

	now := r.now()
	w, exists := r.workers[id]
	if !exists {
		r.workers[id] = &model.Worker{
			ID:             id,
			Address:        address,
			State:          model.WorkerStateRegistered,
			Generation:     1,
			LastHeartbeat:  now,
			RegisteredAt:   now,
			AssignedChunks: make(map[string]struct{}),
		}
		r.logger.Info("Worker registered",
			zap.String("worker_id", id),
			zap.String("address", address))
		return id, 1, nil
	}

	if w.State != model.WorkerStateDead {
		if w.Address != address {
			return "", 0, ErrDuplicateActiveWorker
		}
		// Idempotent re-registration.
		return w.ID, w.Generation, nil
	}

	// Resurrection after death: bump the generation and start clean.
	w.Generation++
	w.Address = address
	w.State = model.WorkerStateRegistered
	w.LastHeartbeat = now
	w.RegisteredAt = now
	w.AssignedChunks = make(map[string]struct{})

	r.logger.Info("Worker re-registered with new generation",
		zap.String("worker_id", id),
		zap.Int64("generation", w.Generation))

	return w.ID, w.Generation, nil
}

// Heartbeat refreshes a worker's last-seen timestamp. A heartbeat under
// an outdated generation returns ErrStaleGeneration; the caller acks it
// as stale rather than treating it as a failure.
func (r *Registry) Heartbeat(id string, generation int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	if generation != w.Generation || w.State == model.WorkerStateDead {
		return ErrStaleGeneration
	}

	w.LastHeartbeat = r.now()
	if w.State == model.WorkerStateRegistered || w.State == model.WorkerStateSuspected {
		w.State = model.WorkerStateActive
	}
	return nil
}

// LivenessSweep evaluates every non-dead worker against the staleness
// thresholds. Workers silent past suspectTimeout become suspected;
// past deadTimeout they become dead and their in-flight chunk ids are
// returned, keyed by worker id, for the caller to hand to the scheduler.
func (r *Registry) LivenessSweep(now time.Time, suspectTimeout, deadTimeout time.Duration) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	reclaimed := make(map[string][]string)
	for id, w := range r.workers {
		if w.State == model.WorkerStateDead {
			continue
		}

		silence := now.Sub(w.LastHeartbeat)
		switch {
		case silence > deadTimeout:
			w.State = model.WorkerStateDead
			chunks := make([]string, 0, len(w.AssignedChunks))
			for chunkID := range w.AssignedChunks {
				chunks = append(chunks, chunkID)
			}
			w.AssignedChunks = make(map[string]struct{})
			reclaimed[id] = chunks

			r.logger.Warn("Worker declared dead",
				zap.String("worker_id", id),
				zap.Duration("silence", silence),
				zap.Int("reclaimed_chunks", len(chunks)))

		case silence > suspectTimeout:
			if w.State != model.WorkerStateSuspected {
				w.State = model.WorkerStateSuspected
				r.logger.Warn("Worker suspected",
					zap.String("worker_id", id),
					zap.Duration("silence", silence))
			}
		}
	}
	return reclaimed
}

// TrackAssignment records that a chunk is in flight on a worker. It
// returns false when the worker is unknown or already dead: a dead
// worker's chunk set is never swept again, so the caller must requeue
// the chunk instead of handing it over.
func (r *Registry) TrackAssignment(workerID, chunkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || w.State == model.WorkerStateDead {
		return false
	}
	w.AssignedChunks[chunkID] = struct{}{}
	return true
}

// UntrackAssignment removes a chunk from a worker's in-flight set once
// the chunk reaches a terminal state.
func (r *Registry) UntrackAssignment(workerID, chunkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[workerID]; ok {
		delete(w.AssignedChunks, chunkID)
	}
}

// Get returns a copy of one worker entry.
func (r *Registry) Get(id string) (model.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return copyWorker(w), true
}

// LiveWorkers returns copies of all workers currently eligible for
// assignment, fewest in-flight chunks first.
func (r *Registry) LiveWorkers() []model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.State == model.WorkerStateActive || w.State == model.WorkerStateRegistered {
			live = append(live, copyWorker(w))
		}
	}
	sortByLoad(live)
	return live
}

// Snapshot returns copies of all worker entries.
func (r *Registry) Snapshot() []model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		all = append(all, copyWorker(w))
	}
	return all
}

func copyWorker(w *model.Worker) model.Worker {
	cp := *w
	cp.AssignedChunks = make(map[string]struct{}, len(w.AssignedChunks))
	for id := range w.AssignedChunks {
		cp.AssignedChunks[id] = struct{}{}
	}
	return cp
}

func sortByLoad(workers []model.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		if len(workers[i].AssignedChunks) != len(workers[j].AssignedChunks) {
			return len(workers[i].AssignedChunks) < len(workers[j].AssignedChunks)
		}
		return workers[i].ID < workers[j].ID
	})
}
