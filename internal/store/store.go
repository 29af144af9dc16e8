package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides the SQLite-backed Task Repository, Execution Repository,
// and Queued-Message Service the automation core consumes through the
// automation.TaskRepository / automation.ExecutionRepository /
// automation.MessageQueue interfaces.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id                   TEXT PRIMARY KEY,
		parent_id            TEXT REFERENCES tasks(id),
		status               TEXT NOT NULL DEFAULT 'BACKLOG',
		task_type            TEXT NOT NULL DEFAULT 'AUTO',
		title                TEXT NOT NULL,
		description          TEXT DEFAULT '',
		acceptance_criteria  TEXT DEFAULT '',
		scratchpad           TEXT DEFAULT '',
		base_branch          TEXT DEFAULT '',
		total_iterations     INTEGER NOT NULL DEFAULT 0,
		merge_readiness      TEXT NOT NULL DEFAULT 'RISK',
		checks_passed        INTEGER NOT NULL DEFAULT 0,
		review_summary       TEXT DEFAULT '',
		last_error           TEXT DEFAULT '',
		block_reason         TEXT DEFAULT '',
		agent_backend        TEXT DEFAULT '',
		merge_failed         INTEGER NOT NULL DEFAULT 0,
		merge_error          TEXT DEFAULT '',
		git_branch           TEXT DEFAULT '',
		created_at           DATETIME NOT NULL,
		updated_at           DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL REFERENCES tasks(id),
		kind        TEXT NOT NULL,
		message     TEXT DEFAULT '',
		timestamp   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id              TEXT PRIMARY KEY,
		task_id         TEXT NOT NULL REFERENCES tasks(id),
		session_id      TEXT NOT NULL,
		run_reason      TEXT DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'PENDING',
		created_at      DATETIME NOT NULL,
		completed_at    DATETIME
	);

	CREATE TABLE IF NOT EXISTS execution_metadata (
		execution_id  TEXT NOT NULL REFERENCES executions(id),
		key           TEXT NOT NULL,
		value         TEXT NOT NULL,
		PRIMARY KEY (execution_id, key)
	);

	CREATE TABLE IF NOT EXISTS execution_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id   TEXT NOT NULL REFERENCES executions(id),
		entry_index    INTEGER NOT NULL,
		payload        TEXT NOT NULL,
		timestamp      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queued_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      TEXT NOT NULL REFERENCES tasks(id),
		lane         TEXT NOT NULL,
		content      TEXT NOT NULL,
		enqueued_at  DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	s.addColumnIfMissing("tasks", "merge_failed", "INTEGER NOT NULL DEFAULT 0")
	s.addColumnIfMissing("tasks", "merge_error", "TEXT DEFAULT ''")

	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
func (s *Store) addColumnIfMissing(table, column, colDef string) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return
		}
		if name == column {
			return
		}
	}

	s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

const taskColumns = `id, parent_id, status, task_type, title, description, acceptance_criteria,
	scratchpad, base_branch, total_iterations, merge_readiness, checks_passed,
	review_summary, last_error, block_reason, agent_backend, merge_failed,
	merge_error, git_branch, created_at, updated_at`

// CreateTask inserts a new task and returns it with a generated id.
func (s *Store) CreateTask(title, description, baseBranch string, taskType TaskType, parentID *string) (*Task, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, parent_id, status, task_type, title, description, base_branch, merge_readiness, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, parentID, string(StatusBacklog), string(taskType), title, description, baseBranch, string(ReadinessRisk), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	s.AddEvent(id, "created", fmt.Sprintf("task created: %s", title))

	return &Task{
		ID:             id,
		ParentID:       parentID,
		Status:         StatusBacklog,
		TaskType:       taskType,
		Title:          title,
		Description:    description,
		BaseBranch:     baseBranch,
		MergeReadiness: ReadinessRisk,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetTask returns a single task by id, matching automation.TaskRepository.GetTask.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetByStatus returns all tasks in the given status.
func (s *Store) GetByStatus(status TaskStatus) ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, string(status))
}

// ListTasks returns every task, optionally scoped to a parent (project/epic) id.
func (s *Store) ListTasks(parentID *string) ([]Task, error) {
	if parentID == nil {
		return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`)
	}
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at`, *parentID)
}

func (s *Store) queryTasks(query string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SetStatus transitions a task's status and appends a status_changed event.
// Matches automation.TaskRepository.SetStatus. The caller (Task Service, out
// of scope) is responsible for publishing the resulting TaskStatusChanged
// domain event after this commits.
func (s *Store) SetStatus(id string, status TaskStatus, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	msg := fmt.Sprintf("status changed to %s", status)
	if reason != "" {
		msg += ": " + reason
	}
	s.AddEvent(id, "status_changed", msg)
	return nil
}

// TaskFieldUpdate selects which task fields a partial update writes.
// Only non-nil fields are written.
type TaskFieldUpdate struct {
	Status             *TaskStatus
	Scratchpad         *string
	MergeReadiness     *MergeReadiness
	ChecksPassed       *bool
	ReviewSummary      *string
	LastError          *string
	BlockReason        *string
	MergeFailed        *bool
	MergeError         *string
	GitBranch          *string
	AgentBackend       *string
}

// UpdateFields applies a partial update to a task, matching
// automation.TaskRepository.UpdateFields.
func (s *Store) UpdateFields(id string, fields TaskFieldUpdate) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("update fields: task %s not found", id)
	}

	statusChanged := false
	if fields.Status != nil && *fields.Status != task.Status {
		task.Status = *fields.Status
		statusChanged = true
	}
	if fields.Scratchpad != nil {
		task.Scratchpad = *fields.Scratchpad
	}
	if fields.MergeReadiness != nil {
		task.MergeReadiness = *fields.MergeReadiness
	}
	if fields.ChecksPassed != nil {
		task.ChecksPassed = *fields.ChecksPassed
	}
	if fields.ReviewSummary != nil {
		task.ReviewSummary = *fields.ReviewSummary
	}
	if fields.LastError != nil {
		task.LastError = *fields.LastError
	}
	if fields.BlockReason != nil {
		task.BlockReason = *fields.BlockReason
	}
	if fields.MergeFailed != nil {
		task.MergeFailed = *fields.MergeFailed
	}
	if fields.MergeError != nil {
		task.MergeError = *fields.MergeError
	}
	if fields.GitBranch != nil {
		task.GitBranch = *fields.GitBranch
	}
	if fields.AgentBackend != nil {
		task.AgentBackend = *fields.AgentBackend
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE tasks SET status=?, scratchpad=?, merge_readiness=?, checks_passed=?,
		 review_summary=?, last_error=?, block_reason=?, merge_failed=?, merge_error=?,
		 git_branch=?, agent_backend=?, updated_at=? WHERE id=?`,
		string(task.Status), task.Scratchpad, string(task.MergeReadiness), task.ChecksPassed,
		task.ReviewSummary, task.LastError, task.BlockReason, task.MergeFailed, task.MergeError,
		task.GitBranch, task.AgentBackend, now, id,
	)
	if err != nil {
		return fmt.Errorf("update fields: %w", err)
	}
	if statusChanged {
		s.AddEvent(id, "status_changed", fmt.Sprintf("status changed to %s", task.Status))
	}
	return nil
}

// IncrementTotalIterations bumps a task's lifetime iteration counter.
func (s *Store) IncrementTotalIterations(id string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE tasks SET total_iterations = total_iterations + 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("increment total iterations: %w", err)
	}
	return nil
}

// GetScratchpad returns a task's free-form narrative.
func (s *Store) GetScratchpad(id string) (string, error) {
	var sp string
	err := s.db.QueryRow(`SELECT scratchpad FROM tasks WHERE id = ?`, id).Scan(&sp)
	if err != nil {
		return "", fmt.Errorf("get scratchpad: %w", err)
	}
	return sp, nil
}

// UpdateScratchpad overwrites a task's scratchpad.
func (s *Store) UpdateScratchpad(id, text string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE tasks SET scratchpad = ?, updated_at = ? WHERE id = ?`, text, now, id)
	if err != nil {
		return fmt.Errorf("update scratchpad: %w", err)
	}
	return nil
}

// AppendEvent records a structured event for a task.
func (s *Store) AppendEvent(taskID, kind, message string) error {
	s.AddEvent(taskID, kind, message)
	return nil
}

// AddEvent is the internal insert shared by every event-producing method.
func (s *Store) AddEvent(taskID, kind, message string) {
	now := time.Now().UTC()
	s.db.Exec(`INSERT INTO events (task_id, kind, message, timestamp) VALUES (?, ?, ?, ?)`, taskID, kind, message, now)
}

// GetEvents returns all events for a task in chronological order.
func (s *Store) GetEvents(taskID string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT id, task_id, kind, message, timestamp FROM events WHERE task_id = ? ORDER BY timestamp`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ClearAgentLogs deletes all execution log entries for every execution
// attached to the task. Called on spawn so a fresh session's log stream
// is not interleaved with a prior run's; a fresh execution starts with an
// empty log regardless.
func (s *Store) ClearAgentLogs(taskID string) error {
	_, err := s.db.Exec(
		`DELETE FROM execution_log WHERE execution_id IN (SELECT id FROM executions WHERE task_id = ?)`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("clear agent logs: %w", err)
	}
	return nil
}

// ResetStaleTasks resets AUTO tasks stuck in IN_PROGRESS (from a prior
// crash, with no live runner to drive them) back to BACKLOG, scoped to an
// optional parent id. REVIEW is a stable state and is left alone: a task
// waiting on a human or a recorded merge failure must survive a restart.
func (s *Store) ResetStaleTasks(parentID *string) (int, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if parentID == nil {
		res, err = s.db.Exec(
			`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ? AND task_type = ?`,
			string(StatusBacklog), now, string(StatusInProgress), string(TypeAuto),
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE tasks SET status = ?, updated_at = ? WHERE parent_id = ? AND status = ? AND task_type = ?`,
			string(StatusBacklog), now, *parentID, string(StatusInProgress), string(TypeAuto),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetStaleExecutions fails any execution left PENDING or RUNNING by a
// crashed session. Run at startup before reconciliation so log readers
// never see a phantom "live" execution with no runner behind it.
func (s *Store) ResetStaleExecutions() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE executions SET status = ?, completed_at = ? WHERE status IN (?, ?)`,
		string(ExecutionFailed), now, string(ExecutionPending), string(ExecutionRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Execution Repository ---

// CreateExecution inserts a new PENDING execution for a task.
func (s *Store) CreateExecution(taskID, sessionID, runReason string) (*Execution, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO executions (id, task_id, session_id, run_reason, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, taskID, sessionID, runReason, string(ExecutionPending), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return &Execution{
		ID:        id,
		TaskID:    taskID,
		SessionID: sessionID,
		RunReason: runReason,
		Status:    ExecutionPending,
		Metadata:  map[string]string{},
		CreatedAt: now,
	}, nil
}

// UpdateExecution updates status and/or merges metadata into an execution.
// Metadata merging is shallow-additive over existing keys: each given key
// is upserted on its own and keys not named are left in place, so the
// caller never needs to read-then-write itself and review_result can be
// set without losing review_log_start_index.
func (s *Store) UpdateExecution(id string, status *ExecutionStatus, metadata map[string]string, completedAt *time.Time) error {
	if status != nil {
		if completedAt != nil {
			_, err := s.db.Exec(`UPDATE executions SET status = ?, completed_at = ? WHERE id = ?`, string(*status), *completedAt, id)
			if err != nil {
				return fmt.Errorf("update execution status: %w", err)
			}
		} else {
			_, err := s.db.Exec(`UPDATE executions SET status = ? WHERE id = ?`, string(*status), id)
			if err != nil {
				return fmt.Errorf("update execution status: %w", err)
			}
		}
	}
	for k, v := range metadata {
		_, err := s.db.Exec(
			`INSERT INTO execution_metadata (execution_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(execution_id, key) DO UPDATE SET value = excluded.value`,
			id, k, v,
		)
		if err != nil {
			return fmt.Errorf("merge execution metadata key %s: %w", k, err)
		}
	}
	return nil
}

// GetExecutionMetadata returns the full metadata bag for an execution.
func (s *Store) GetExecutionMetadata(executionID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM execution_metadata WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution metadata: %w", err)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan execution metadata: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// AppendExecutionLog appends an opaque payload to an execution's log,
// assigning it the next sequential index.
func (s *Store) AppendExecutionLog(executionID, payload string) error {
	now := time.Now().UTC()
	var nextIndex int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(entry_index) + 1, 0) FROM execution_log WHERE execution_id = ?`, executionID).Scan(&nextIndex)
	if err != nil {
		return fmt.Errorf("compute next log index: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO execution_log (execution_id, entry_index, payload, timestamp) VALUES (?, ?, ?, ?)`,
		executionID, nextIndex, payload, now,
	)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// GetExecutionLogEntries returns the ordered log for an execution.
func (s *Store) GetExecutionLogEntries(executionID string) ([]ExecutionLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, execution_id, entry_index, payload, timestamp FROM execution_log WHERE execution_id = ? ORDER BY entry_index`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get execution log entries: %w", err)
	}
	defer rows.Close()

	var entries []ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Index, &e.Payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan execution log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListAgentTurns reconstructs the completed prompt/response cycles from an
// execution's log. Each log append is a cumulative snapshot of the turn in
// flight, so a snapshot whose message count shrank (or a payload that is
// not a snapshot at all, like the reviewer's raw output) starts a new
// turn; the last snapshot before each reset is that turn's record.
func (s *Store) ListAgentTurns(executionID string) ([]AgentTurn, error) {
	entries, err := s.GetExecutionLogEntries(executionID)
	if err != nil {
		return nil, err
	}

	var turns []AgentTurn
	var current *AgentTurn
	for _, entry := range entries {
		var snap struct {
			ResponseText string   `json:"response_text"`
			Messages     []string `json:"messages"`
		}
		if err := json.Unmarshal([]byte(entry.Payload), &snap); err != nil || snap.Messages == nil {
			// Not a turn snapshot (e.g. the review-phase entry): close out
			// any in-flight turn and record the payload as its own turn.
			if current != nil {
				turns = append(turns, *current)
				current = nil
			}
			turns = append(turns, AgentTurn{Turn: len(turns) + 1, ResponseText: entry.Payload})
			continue
		}
		if current != nil && len(snap.Messages) <= len(current.Messages) {
			turns = append(turns, *current)
			current = nil
		}
		current = &AgentTurn{Turn: len(turns) + 1, ResponseText: snap.ResponseText, Messages: snap.Messages}
	}
	if current != nil {
		turns = append(turns, *current)
	}
	return turns, nil
}

// GetLatestExecutionForTask returns the most recently created execution
// for a task, or nil if none exists.
func (s *Store) GetLatestExecutionForTask(taskID string) (*Execution, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, session_id, run_reason, status, created_at, completed_at
		 FROM executions WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID,
	)
	var e Execution
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.RunReason, &e.Status, &e.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest execution: %w", err)
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	e.Metadata, err = s.GetExecutionMetadata(e.ID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// --- Queued-Message Service ---

// QueueMessage appends a follow-up message to a (task, lane) FIFO.
func (s *Store) QueueMessage(taskID string, lane Lane, content string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO queued_messages (task_id, lane, content, enqueued_at) VALUES (?, ?, ?, ?)`,
		taskID, string(lane), content, now,
	)
	if err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	return nil
}

// GetQueuedMessages reads a lane's queue without consuming it.
func (s *Store) GetQueuedMessages(taskID string, lane Lane) ([]QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, lane, content, enqueued_at FROM queued_messages WHERE task_id = ? AND lane = ? ORDER BY id`,
		taskID, string(lane),
	)
	if err != nil {
		return nil, fmt.Errorf("get queued messages: %w", err)
	}
	defer rows.Close()

	var msgs []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var laneStr string
		if err := rows.Scan(&m.ID, &m.TaskID, &laneStr, &m.Content, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		m.Lane = Lane(laneStr)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// TakeQueuedMessage pops the head of a lane's queue, or returns nil if empty.
func (s *Store) TakeQueuedMessage(taskID string, lane Lane) (*QueuedMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, lane, content, enqueued_at FROM queued_messages WHERE task_id = ? AND lane = ? ORDER BY id LIMIT 1`,
		taskID, string(lane),
	)
	var m QueuedMessage
	var laneStr string
	err := row.Scan(&m.ID, &m.TaskID, &laneStr, &m.Content, &m.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take queued message: %w", err)
	}
	m.Lane = Lane(laneStr)

	if _, err := s.db.Exec(`DELETE FROM queued_messages WHERE id = ?`, m.ID); err != nil {
		return nil, fmt.Errorf("remove taken message: %w", err)
	}
	return &m, nil
}

// RemoveQueuedMessage removes a message by its position within a lane.
func (s *Store) RemoveQueuedMessage(taskID string, index int, lane Lane) error {
	msgs, err := s.GetQueuedMessages(taskID, lane)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(msgs) {
		return fmt.Errorf("remove queued message: index %d out of range (len=%d)", index, len(msgs))
	}
	_, err = s.db.Exec(`DELETE FROM queued_messages WHERE id = ?`, msgs[index].ID)
	if err != nil {
		return fmt.Errorf("remove queued message: %w", err)
	}
	return nil
}

// GetQueueStatus reports whether a lane has any queued messages.
func (s *Store) GetQueueStatus(taskID string, lane Lane) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queued_messages WHERE task_id = ? AND lane = ?`, taskID, string(lane)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("get queue status: %w", err)
	}
	return count > 0, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var parentID sql.NullString
	err := row.Scan(
		&t.ID, &parentID, &t.Status, &t.TaskType, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.Scratchpad, &t.BaseBranch, &t.TotalIterations, &t.MergeReadiness, &t.ChecksPassed,
		&t.ReviewSummary, &t.LastError, &t.BlockReason, &t.AgentBackend, &t.MergeFailed,
		&t.MergeError, &t.GitBranch, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var parentID sql.NullString
	err := rows.Scan(
		&t.ID, &parentID, &t.Status, &t.TaskType, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.Scratchpad, &t.BaseBranch, &t.TotalIterations, &t.MergeReadiness, &t.ChecksPassed,
		&t.ReviewSummary, &t.LastError, &t.BlockReason, &t.AgentBackend, &t.MergeFailed,
		&t.MergeError, &t.GitBranch, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	return &t, nil
}
