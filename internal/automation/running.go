package automation

import (
	"sync"

	"github.com/kagan-dev/kagan/internal/agent"
)

// runningSet is the running map plus its paired pending-spawn FIFO. Put and
// the FIFO methods are called from the worker loop's goroutine; a runner's
// own goroutine calls the per-entry setters (SetExecutionID, SetIteration,
// SetAgent, SetReviewAgent, SetRespawn) and, when it finishes, Remove.
// Every method takes the lock, so Snapshot/IsRunning are safe for
// concurrent readers (the UI).
type runningSet struct {
	mu      sync.RWMutex
	running map[string]*RunningTaskState
	pending []string
	inQueue map[string]bool
}

func newRunningSet() *runningSet {
	return &runningSet{
		running: make(map[string]*RunningTaskState),
		inQueue: make(map[string]bool),
	}
}

func (r *runningSet) IsRunning(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.running[taskID]
	return ok
}

func (r *runningSet) Get(taskID string) (*RunningTaskState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.running[taskID]
	return s, ok
}

func (r *runningSet) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}

// Put installs the running-map entry. This must happen
// before the runner activity begins, so the worker loop calls this
// synchronously before launching the goroutine.
func (r *runningSet) Put(state *RunningTaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[state.TaskID] = state
}

// Remove deletes the running-map entry, resetting iteration state per the
// invariant that iteration resets to 0 on removal. The removed state is
// returned so the completion path can read the respawn flag after the
// entry is gone.
func (r *runningSet) Remove(taskID string) *RunningTaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.running[taskID]
	delete(r.running, taskID)
	return s
}

// Enqueue appends to the pending-spawn FIFO, deduplicated by the
// companion set.
func (r *runningSet) Enqueue(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inQueue[taskID] {
		return
	}
	r.inQueue[taskID] = true
	r.pending = append(r.pending, taskID)
}

// PopHead removes and returns the head of the pending-spawn FIFO.
func (r *runningSet) PopHead() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return "", false
	}
	head := r.pending[0]
	r.pending = r.pending[1:]
	delete(r.inQueue, head)
	return head, true
}

// PushFront reinstates a popped head whose slot turned out to be taken, so
// it stays first in line for the next drain.
func (r *runningSet) PushFront(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inQueue[taskID] {
		return
	}
	r.inQueue[taskID] = true
	r.pending = append([]string{taskID}, r.pending...)
}

func (r *runningSet) PendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func (r *runningSet) PendingSnapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.pending))
	copy(out, r.pending)
	return out
}

// SetExecutionID records which Execution a running task's current session
// is writing to, so the UI can attach a live log stream.
func (r *runningSet) SetExecutionID(taskID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.running[taskID]; ok {
		s.ExecutionID = executionID
	}
}

// SetRespawn marks a running task for re-admission after its current
// session ends (the follow-up queue contract).
func (r *runningSet) SetRespawn(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.running[taskID]; ok {
		s.respawn = true
	}
}

// SetIteration publishes the in-memory iteration counter for observers.
func (r *runningSet) SetIteration(taskID string, iteration int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.running[taskID]; ok {
		s.Iteration = iteration
	}
}

// SetAgent attaches the implementation agent handle, published
// immediately after creation so UI attach races do not miss the start.
func (r *runningSet) SetAgent(taskID string, h agent.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.running[taskID]; ok {
		s.Agent = h
	}
}

// SetReviewAgent attaches the review agent handle and flips the
// reviewing latch.
func (r *runningSet) SetReviewAgent(taskID string, h agent.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.running[taskID]; ok {
		s.ReviewAgent = h
		s.IsReviewing = h != nil
	}
}

// Agents returns the implementation and review agent handles currently
// attached to a running task, if any, for cooperative-cancel stop() calls.
func (r *runningSet) Agents(taskID string) (impl, review agent.Handle) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.running[taskID]; ok {
		return s.Agent, s.ReviewAgent
	}
	return nil, nil
}

func (r *runningSet) Snapshot(taskID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.running[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		TaskID:      s.TaskID,
		ExecutionID: s.ExecutionID,
		Iteration:   s.Iteration,
		IsReviewing: s.IsReviewing,
	}, true
}
