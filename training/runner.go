package training

import (
	"context"
	"errors"
	"log"
	"sync"

	"minionforge_back/dataset"
	"minionforge_back/minions"
)

// Handle tracks one in-flight job and supports cooperative cancellation.
type Handle struct {
	jobID  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// JobID returns the job this handle tracks.
func (h *Handle) JobID() uint64 {
	return h.jobID
}

// Cancel requests cooperative cancellation; the pipeline honors it between
// steps, leaving any partially built knowledge base intact.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done closes once the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Runner executes training jobs on one goroutine each and keeps a handle per
// active job so callers can poll or cancel them.
type Runner struct {
	pipeline *Pipeline

	mu     sync.Mutex
	active map[uint64]*Handle
}

// NewRunner returns a runner backed by the given pipeline.
func NewRunner(pipeline *Pipeline) *Runner {
	return &Runner{pipeline: pipeline, active: make(map[uint64]*Handle)}
}

// Start launches a job's pipeline in the background and returns its handle.
// The submitting request returns immediately; the pipeline runs sequentially
// on its own goroutine.
func (r *Runner) Start(jobID uint64, rawItems []dataset.Item, ragCfg minions.RAGConfig) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.active[jobID]; running {
		return nil, errors.New("training: job already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{jobID: jobID, cancel: cancel, done: make(chan struct{})}
	r.active[jobID] = handle

	go func() {
		defer func() {
			cancel()
			close(handle.done)
			r.mu.Lock()
			delete(r.active, jobID)
			r.mu.Unlock()
		}()
		if err := r.pipeline.Run(ctx, jobID, rawItems, ragCfg); err != nil {
			log.Printf("training: job %d run error: %v", jobID, err)
		}
	}()

	return handle, nil
}

// Lookup returns the handle for an active job, if any.
func (r *Runner) Lookup(jobID uint64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.active[jobID]
	return handle, ok
}

// Cancel requests cancellation of an active job. It returns false when the
// job is not currently running on this instance.
func (r *Runner) Cancel(jobID uint64) bool {
	handle, ok := r.Lookup(jobID)
	if !ok {
		return false
	}
	handle.Cancel()
	return true
}

// ActiveCount reports how many jobs are running.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
