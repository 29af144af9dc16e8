package store

import "time"

// TaskStatus is the lifecycle state of a task, mutated only through the
// Task Repository; every successful mutation produces a TaskStatusChanged
// domain event.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "BACKLOG"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusReview     TaskStatus = "REVIEW"
	StatusDone       TaskStatus = "DONE"
)

// TaskType distinguishes tasks the automation core drives (AUTO) from
// ones it only tracks a worker slot for (PAIR).
type TaskType string

const (
	TypeAuto TaskType = "AUTO"
	TypePair TaskType = "PAIR"
)

// MergeReadiness reflects how close a REVIEW task is to landing.
type MergeReadiness string

const (
	ReadinessRisk    MergeReadiness = "RISK"
	ReadinessBlocked MergeReadiness = "BLOCKED"
	ReadinessReady   MergeReadiness = "READY"
)

// ExecutionStatus is the lifecycle of one run-loop invocation.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Lane names a queued-message FIFO. Lanes are independent: consuming
// from review never affects implementation.
type Lane string

const (
	LaneImplementation Lane = "implementation"
	LaneReview         Lane = "review"
	LanePlanner        Lane = "planner"
)

// Task is the external entity the automation core consumes read-mostly.
// Identity is an opaque string generated externally (arena-style identity)
// rather than a repository auto-increment id.
type Task struct {
	ID                 string         `json:"id"`
	ParentID           *string        `json:"parent_id,omitempty"`
	Status             TaskStatus     `json:"status"`
	TaskType           TaskType       `json:"task_type"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	AcceptanceCriteria string         `json:"acceptance_criteria,omitempty"`
	Scratchpad         string         `json:"scratchpad,omitempty"`
	BaseBranch         string         `json:"base_branch,omitempty"`
	TotalIterations    int            `json:"total_iterations"`
	MergeReadiness     MergeReadiness `json:"merge_readiness"`
	ChecksPassed       bool           `json:"checks_passed"`
	ReviewSummary      string         `json:"review_summary,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	BlockReason        string         `json:"block_reason,omitempty"`
	AgentBackend       string         `json:"agent_backend,omitempty"`
	MergeFailed        bool           `json:"merge_failed"`
	MergeError         string         `json:"merge_error,omitempty"`
	GitBranch          string         `json:"git_branch,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Event is a structured, append-only entry in a task's history ("merge",
// "review", "blocked", etc).
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution is the durable record covering one run-loop session.
type Execution struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	SessionID   string            `json:"session_id"`
	RunReason   string            `json:"run_reason"`
	Status      ExecutionStatus   `json:"status"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionLogEntry is one append-only opaque payload within an execution.
// Implementation-phase entries occupy [0, review_log_start_index);
// review-phase entries occupy [review_log_start_index, …).
type ExecutionLogEntry struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Index       int       `json:"index"`
	Payload     string    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// AgentTurn is one completed prompt/response cycle reconstructed from an
// execution's log: the last snapshot each turn appended before the next
// turn's accumulation began.
type AgentTurn struct {
	Turn         int      `json:"turn"`
	ResponseText string   `json:"response_text"`
	Messages     []string `json:"messages"`
}

// QueuedMessage is one follow-up prompt waiting in a (task, lane) FIFO.
type QueuedMessage struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Lane       Lane      `json:"lane"`
	Content    string    `json:"content"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Metadata keys written into Execution.Metadata.
const (
	MetaReviewLogStartIndex = "review_log_start_index"
	MetaReviewResultStatus  = "review_result_status"
	MetaReviewResultSummary = "review_result_summary"
)
