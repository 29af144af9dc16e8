package automation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/store"
)

// Config bundles every collaborator and tunable the engine needs. All
// interface fields are required except Merge (nil means no merge adapter
// is configured) and Observer (nil means no one is listening for UI
// refresh events).
type Config struct {
	Tasks        TaskRepository
	Executions   ExecutionRepository
	Messages     MessageService
	Workspace    Workspace
	Merge        MergeService
	Notifier     Notifier
	Observer     Observer
	AgentFactory agent.Factory

	ImplementationIdentity string
	ImplementationAgent    config.Agent
	ReviewIdentity         string
	ReviewAgent            config.Agent

	MaxConcurrentAgents      int
	MaxIterations            int
	IterationDelay           time.Duration
	AutoApprove              bool
	AutoReview               bool
	AutoMerge                bool
	AutoRetryOnMergeConflict bool
	DefaultBaseBranch        string
	ModelOverride            func(identity string) string

	AgentReadyTimeout time.Duration
	Clock             Clock
	Logger            *log.Logger
}

// Engine is the automation core: event queue, worker loop, running map,
// and the process-wide merge lock.
type Engine struct {
	cfg     Config
	events  *eventQueue
	running *runningSet
	mergeMu sync.Mutex
	sem     *semaphore.Weighted
	group   *errgroup.Group

	tunablesMu sync.RWMutex
	tunables   tunables
}

// tunables is the subset of Config the run loop re-reads on every use
// instead of caching, so a config hot-reload takes effect on
// the next admission/iteration without restarting the core.
// max_concurrent_agents is intentionally excluded: the semaphore sized at
// construction can't be resized without breaking the capacity bound, so
// a change there requires a daemon restart.
type tunables struct {
	MaxIterations            int
	IterationDelay           time.Duration
	AutoApprove              bool
	AutoReview               bool
	AutoMerge                bool
	AutoRetryOnMergeConflict bool
}

func (e *Engine) t() tunables {
	e.tunablesMu.RLock()
	defer e.tunablesMu.RUnlock()
	return e.tunables
}

// UpdateLiveConfig applies the hot-reloadable subset of a reloaded
// config, so auto_merge and friends can be edited live without
// restarting the core.
func (e *Engine) UpdateLiveConfig(cfg *config.Config) {
	e.tunablesMu.Lock()
	defer e.tunablesMu.Unlock()
	e.tunables = tunables{
		MaxIterations:            cfg.MaxIterations,
		IterationDelay:           cfg.IterationDelay(),
		AutoApprove:              cfg.AutoApprove,
		AutoReview:               cfg.AutoReview,
		AutoMerge:                cfg.AutoMerge,
		AutoRetryOnMergeConflict: cfg.AutoRetryOnMergeConflict,
	}
}

// New constructs an Engine. Run must be called to start draining events.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.AgentReadyTimeout == 0 {
		cfg.AgentReadyTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 1
	}
	e := &Engine{
		cfg:     cfg,
		events:  newEventQueue(256),
		running: newRunningSet(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentAgents)),
		group:   &errgroup.Group{},
	}
	e.tunables = tunables{
		MaxIterations:            cfg.MaxIterations,
		IterationDelay:           cfg.IterationDelay,
		AutoApprove:              cfg.AutoApprove,
		AutoReview:               cfg.AutoReview,
		AutoMerge:                cfg.AutoMerge,
		AutoRetryOnMergeConflict: cfg.AutoRetryOnMergeConflict,
	}
	return e
}

// HandleEvent is the external entry point domain-event publishers call
// after a Task Service status-change commits: published after the write,
// never before, so the handler always fetches a consistent task.
func (e *Engine) HandleEvent(taskID string, oldStatus, newStatus *store.TaskStatus) {
	e.events.Publish(StatusChangedEvent{TaskID: taskID, OldStatus: oldStatus, NewStatus: newStatus})
}

// SpawnForTask is sugar for the explicit UI/MCP "start" action, encoded
// as a (task_id, none, IN_PROGRESS) transition.
func (e *Engine) SpawnForTask(taskID string) {
	s := store.StatusInProgress
	e.HandleEvent(taskID, nil, &s)
}

// StopTask is sugar for the explicit "stop" action (encoded as
// (task_id, IN_PROGRESS, BACKLOG)).
func (e *Engine) StopTask(taskID string) {
	in, back := store.StatusInProgress, store.StatusBacklog
	e.HandleEvent(taskID, &in, &back)
}

// IsRunning reports whether a runner is currently live for taskID. Safe
// for concurrent callers: the running map is read under its lock.
func (e *Engine) IsRunning(taskID string) bool { return e.running.IsRunning(taskID) }

// RunningCount is the current occupancy, always ≤ MaxConcurrentAgents.
func (e *Engine) RunningCount() int { return e.running.Count() }

// PendingSnapshot returns the current pending-spawn FIFO order.
func (e *Engine) PendingSnapshot() []string { return e.running.PendingSnapshot() }

// Snapshot returns a read-only copy of a task's running state, if any.
func (e *Engine) Snapshot(taskID string) (Snapshot, bool) { return e.running.Snapshot(taskID) }

// Run is the worker loop: the sole consumer of the event queue, the only
// place entries are added to the running map, and the only place the
// pending-spawn queue is changed. A finishing runner removes its own
// running-map entry (onRunnerFinished). Run returns when ctx is cancelled,
// after draining no further events.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events.ch:
			e.safeHandle(ctx, ev)
		}
	}
}

// safeHandle isolates a single event's processing so a panic or error
// inside one handler can never take down the worker loop.
func (e *Engine) safeHandle(ctx context.Context, ev StatusChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.Printf("automation: recovered panic handling event for task %s: %v", ev.TaskID, r)
		}
	}()
	if err := e.processEvent(ctx, ev); err != nil {
		e.cfg.Logger.Printf("automation: error handling event for task %s: %v", ev.TaskID, err)
	}
}

// processEvent applies the processing rules for one event.
func (e *Engine) processEvent(ctx context.Context, ev StatusChangedEvent) error {
	if ev.Drain {
		e.drainPending(ctx)
		return nil
	}
	if ev.NewStatus == nil {
		e.stopRunner(ev.TaskID)
		return nil
	}

	task, err := e.cfg.Tasks.GetTask(ev.TaskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		e.stopRunner(ev.TaskID)
		return nil
	}

	if task.TaskType != store.TypeAuto {
		return nil
	}

	switch {
	case *ev.NewStatus == store.StatusInProgress:
		e.admit(ctx, task)
	case ev.OldStatus != nil && *ev.OldStatus == store.StatusInProgress && *ev.NewStatus != store.StatusReview:
		e.stopRunner(ev.TaskID)
		if *ev.NewStatus == store.StatusBacklog && task.Status == store.StatusInProgress {
			// Explicit stop request: the Task Service has not persisted the
			// transition yet (a committed one would already read BACKLOG),
			// so persist it here and let the repository emit the
			// TaskStatusChanged event.
			e.cfg.Tasks.SetStatus(ev.TaskID, store.StatusBacklog, "")
		}
	}
	return nil
}

// admit decides whether a task starts now, waits, or is already covered.
// The concurrency cap is enforced by a weighted semaphore rather than a
// hand-counted comparison: TryAcquire either reserves a slot atomically or
// fails, so there is no window between "check the count" and "take the
// slot" for a second admit() call to race through. A non-empty pending
// queue always wins over a fresh request, even if a slot is momentarily
// free (the release-to-drain window), preserving FIFO admission order.
func (e *Engine) admit(ctx context.Context, task *store.Task) {
	if e.running.IsRunning(task.ID) {
		return
	}
	if e.running.PendingLen() > 0 || !e.sem.TryAcquire(1) {
		e.running.Enqueue(task.ID)
		return
	}
	e.spawn(ctx, task)
}

// spawn starts one session: reset review state, clear prior logs,
// install the running-map entry synchronously, then launch the runner
// goroutine.
func (e *Engine) spawn(ctx context.Context, task *store.Task) {
	taskID := task.ID
	if task.Status != store.StatusInProgress {
		e.cfg.Tasks.SetStatus(taskID, store.StatusInProgress, "")
	}
	falseVal := false
	emptyStr := ""
	e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{
		ChecksPassed:  &falseVal,
		ReviewSummary: &emptyStr,
		MergeFailed:   &falseVal,
		MergeError:    &emptyStr,
		LastError:     &emptyStr,
		BlockReason:   &emptyStr,
	})
	e.cfg.Tasks.ClearAgentLogs(taskID)

	runCtx, cancel := context.WithCancel(ctx)
	state := &RunningTaskState{
		TaskID: taskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Installed before the runner goroutine starts, so a concurrent
	// IsRunning(taskID) check always observes the spawn.
	e.running.Put(state)

	if e.cfg.Observer != nil {
		e.cfg.Observer.OnAutomationTaskStarted(taskID)
	}

	e.group.Go(func() error {
		defer close(state.done)
		defer e.onRunnerFinished(taskID)
		e.runTask(runCtx, taskID)
		return nil
	})
}

// onRunnerFinished removes the running-map entry, releases the admission
// slot, and schedules a pending-spawn drain. Removal happens before the
// release so the running count can never exceed the cap, and the
// drain itself is re-published as an event so the FIFO is only ever
// popped on the worker loop's goroutine.
func (e *Engine) onRunnerFinished(taskID string) {
	state := e.running.Remove(taskID)
	e.sem.Release(1)
	if e.cfg.Observer != nil {
		e.cfg.Observer.OnAutomationTaskEnded(taskID)
	}
	if state != nil && state.respawn {
		// Follow-up queue contract: re-enter admission now that the
		// running-map entry is gone, so the request cannot be dropped as
		// "already running".
		e.SpawnForTask(taskID)
	}
	e.events.Publish(StatusChangedEvent{Drain: true})
}

// drainPending pops the head of the pending-spawn FIFO, re-resolves the
// task (it may have been deleted or changed type since it queued), and
// spawns it if a slot is free. Runs only on the worker loop's goroutine.
func (e *Engine) drainPending(ctx context.Context) {
	for {
		next, ok := e.running.PopHead()
		if !ok {
			return
		}
		task, err := e.cfg.Tasks.GetTask(next)
		if err != nil {
			e.cfg.Logger.Printf("automation: drain could not load task %s: %v", next, err)
			continue
		}
		if task == nil || task.TaskType != store.TypeAuto || e.running.IsRunning(next) {
			continue
		}
		if !e.sem.TryAcquire(1) {
			e.running.PushFront(next)
			return
		}
		e.spawn(ctx, task)
		return
	}
}

// stopRunner cancels a live runner and tells its agent handles to stop.
// Cancellation is cooperative: the runner itself decides what abandoning
// the current iteration means.
func (e *Engine) stopRunner(taskID string) {
	state, ok := e.running.Get(taskID)
	if !ok {
		return
	}
	if state.cancel != nil {
		state.cancel()
	}
	impl, review := e.running.Agents(taskID)
	if impl != nil {
		impl.Stop()
	}
	if review != nil {
		review.Stop()
	}
}

// Wait blocks until all in-flight runners have exited. Intended for
// graceful shutdown after Run's context is cancelled.
func (e *Engine) Wait() { e.group.Wait() }
