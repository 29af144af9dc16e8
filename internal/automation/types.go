package automation

import (
	"context"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/store"
)

// StatusChangedEvent is the event type the worker loop drains. Spawn and
// stop requests are encoded as status transitions: a spawn request is
// (task, none, IN_PROGRESS), a stop request is (task, IN_PROGRESS,
// BACKLOG). A Drain event carries no task: it tells the worker loop a
// concurrency slot was released and the pending-spawn FIFO should be
// drained on the loop's own goroutine.
type StatusChangedEvent struct {
	TaskID    string
	OldStatus *store.TaskStatus // nil encodes "no previous status" (spawn request)
	NewStatus *store.TaskStatus // nil encodes task deletion
	Drain     bool
}

// RunningTaskState is the in-memory record for one admitted task. The
// worker loop creates it; the task's runner goroutine updates its fields
// through the running map's setters. All reads and writes go through the
// running map's lock, and UI code only sees Snapshot copies.
type RunningTaskState struct {
	TaskID      string
	ExecutionID string
	Agent       agent.Handle
	ReviewAgent agent.Handle
	Iteration   int
	IsReviewing bool

	// respawn is set by the runner when the task must re-enter the
	// pending-spawn FIFO after this session ends (the follow-up queue
	// contract); acted on only after the entry is removed, so the
	// re-admission never races the still-present running-map entry.
	respawn bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Snapshot is a read-only copy of RunningTaskState safe to hand to UI code.
type Snapshot struct {
	TaskID      string
	ExecutionID string
	Iteration   int
	IsReviewing bool
}
