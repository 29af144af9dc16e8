// Package automation is the reactive scheduler: a single-writer worker loop
// admits AUTO tasks under a concurrency cap, drives each through an
// iterative run loop, reviews completions, and serializes merges back to
// the base branch. Everything it touches outside its own process (the
// task/execution stores, git worktrees, and agent subprocesses) is
// reached only through the contracts in this file, so the engine itself
// has no hard dependency on any particular storage or transport.
package automation

import (
	"context"
	"time"

	"github.com/kagan-dev/kagan/internal/store"
)

// TaskRepository is how the engine reads and mutates durable task state.
type TaskRepository interface {
	GetTask(id string) (*store.Task, error)
	GetByStatus(status store.TaskStatus) ([]store.Task, error)
	ListTasks(parentID *string) ([]store.Task, error)
	UpdateFields(id string, fields store.TaskFieldUpdate) error
	SetStatus(id string, status store.TaskStatus, reason string) error
	IncrementTotalIterations(id string) error
	GetScratchpad(id string) (string, error)
	UpdateScratchpad(id, text string) error
	AppendEvent(taskID, kind, message string) error
	ClearAgentLogs(taskID string) error
}

// ExecutionRepository persists one Execution record per run-loop session
// and its append-only log.
type ExecutionRepository interface {
	CreateExecution(taskID, sessionID, runReason string) (*store.Execution, error)
	UpdateExecution(id string, status *store.ExecutionStatus, metadata map[string]string, completedAt *time.Time) error
	AppendExecutionLog(executionID, payload string) error
	GetExecutionLogEntries(executionID string) ([]store.ExecutionLogEntry, error)
	GetLatestExecutionForTask(taskID string) (*store.Execution, error)
	ListAgentTurns(executionID string) ([]store.AgentTurn, error)
}

// MessageService is the per-task, per-lane FIFO of follow-up prompts.
type MessageService interface {
	QueueMessage(taskID string, lane store.Lane, content string) error
	GetQueuedMessages(taskID string, lane store.Lane) ([]store.QueuedMessage, error)
	TakeQueuedMessage(taskID string, lane store.Lane) (*store.QueuedMessage, error)
	RemoveQueuedMessage(taskID string, index int, lane store.Lane) error
	GetQueueStatus(taskID string, lane store.Lane) (bool, error)
}

// Workspace provisions and queries per-task git worktrees.
type Workspace interface {
	GetPath(taskID string) string
	Create(taskID, baseBranch string) (string, error)
	Delete(taskID string) error
	GetCommitLog(taskID, base string) (string, error)
	GetDiffStats(taskID, base string) (string, error)
	GetFilesChangedOnBase(taskID, base string) ([]string, error)
	RebaseOntoBase(taskID, base string) (success bool, message string, conflictFiles []string, err error)
	HasUncommittedChanges(path string) bool
	CommitAll(path, message string) (bool, error)
	Identity(path string) (name, email string, err error)
}

// MergeService performs the actual merge of a task branch into base.
// Its absence (nil in Engine.Config) means auto-merge is unavailable.
type MergeService interface {
	Merge(taskID, base string) error
}

// Notifier delivers best-effort user-facing notifications.
type Severity string

const (
	SeverityInfo    Severity = "information"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notifier interface {
	Notify(message, title string, severity Severity)
}

// Observer receives the lifecycle events the core produces, used to
// drive UI refresh.
type Observer interface {
	OnAutomationTaskStarted(taskID string)
	OnAutomationTaskEnded(taskID string)
	OnAutomationAgentAttached(taskID string)
	OnAutomationReviewAgentAttached(taskID string)
	OnIterationProgress(taskID string, iteration, maxIterations int)
}

// Clock abstracts time for the iteration-delay sleep, so tests can run the
// run loop without real waits.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
