package automation

import (
	"context"
	"sync"
	"time"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/store"
)

// fakeTasks is an in-memory TaskRepository good enough to drive the
// worker loop deterministically without sqlite.
type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newFakeTasks(tasks ...*store.Task) *fakeTasks {
	m := make(map[string]*store.Task)
	for _, t := range tasks {
		m[t.ID] = t
	}
	return &fakeTasks{tasks: m}
}

func (f *fakeTasks) clone(t *store.Task) *store.Task {
	cp := *t
	return &cp
}

func (f *fakeTasks) GetTask(id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return f.clone(t), nil
}

func (f *fakeTasks) GetByStatus(status store.TaskStatus) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTasks) ListTasks(parentID *string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTasks) UpdateFields(id string, fields store.TaskFieldUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	if fields.Status != nil {
		t.Status = *fields.Status
	}
	if fields.MergeReadiness != nil {
		t.MergeReadiness = *fields.MergeReadiness
	}
	if fields.ChecksPassed != nil {
		t.ChecksPassed = *fields.ChecksPassed
	}
	if fields.ReviewSummary != nil {
		t.ReviewSummary = *fields.ReviewSummary
	}
	if fields.LastError != nil {
		t.LastError = *fields.LastError
	}
	if fields.BlockReason != nil {
		t.BlockReason = *fields.BlockReason
	}
	if fields.MergeFailed != nil {
		t.MergeFailed = *fields.MergeFailed
	}
	if fields.MergeError != nil {
		t.MergeError = *fields.MergeError
	}
	return nil
}

func (f *fakeTasks) SetStatus(id string, status store.TaskStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.Status = status
		if reason != "" {
			t.LastError = reason
		}
	}
	return nil
}

func (f *fakeTasks) IncrementTotalIterations(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.TotalIterations++
	}
	return nil
}

func (f *fakeTasks) GetScratchpad(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		return t.Scratchpad, nil
	}
	return "", nil
}

func (f *fakeTasks) UpdateScratchpad(id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.Scratchpad = text
	}
	return nil
}

func (f *fakeTasks) AppendEvent(taskID, kind, message string) error { return nil }

func (f *fakeTasks) ClearAgentLogs(taskID string) error { return nil }

func (f *fakeTasks) statusOf(id string) store.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

// fakeExecutions is an in-memory ExecutionRepository.
type fakeExecutions struct {
	mu         sync.Mutex
	executions map[string]*store.Execution
	logs       map[string][]store.ExecutionLogEntry
	seq        int
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{
		executions: make(map[string]*store.Execution),
		logs:       make(map[string][]store.ExecutionLogEntry),
	}
}

func (f *fakeExecutions) CreateExecution(taskID, sessionID, runReason string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := sessionID
	e := &store.Execution{ID: id, TaskID: taskID, SessionID: sessionID, RunReason: runReason, Status: store.ExecutionPending, Metadata: map[string]string{}}
	f.executions[id] = e
	return e, nil
}

func (f *fakeExecutions) UpdateExecution(id string, status *store.ExecutionStatus, metadata map[string]string, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil
	}
	if status != nil {
		e.Status = *status
	}
	for k, v := range metadata {
		e.Metadata[k] = v
	}
	if completedAt != nil {
		e.CompletedAt = completedAt
	}
	return nil
}

func (f *fakeExecutions) AppendExecutionLog(executionID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.logs[executionID])
	f.logs[executionID] = append(f.logs[executionID], store.ExecutionLogEntry{ExecutionID: executionID, Index: idx, Payload: payload})
	return nil
}

func (f *fakeExecutions) GetExecutionLogEntries(executionID string) ([]store.ExecutionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ExecutionLogEntry(nil), f.logs[executionID]...), nil
}

func (f *fakeExecutions) GetLatestExecutionForTask(taskID string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.Execution
	for _, e := range f.executions {
		if e.TaskID == taskID {
			latest = e
		}
	}
	return latest, nil
}

func (f *fakeExecutions) ListAgentTurns(executionID string) ([]store.AgentTurn, error) {
	return nil, nil
}

// metadataFor returns a copy of the newest execution's metadata for a task.
func (f *fakeExecutions) metadataFor(taskID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, e := range f.executions {
		if e.TaskID == taskID {
			for k, v := range e.Metadata {
				out[k] = v
			}
		}
	}
	return out
}

// logPayloadsFor returns every log payload appended across a task's
// executions, in append order.
func (f *fakeExecutions) logPayloadsFor(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, e := range f.executions {
		if e.TaskID != taskID {
			continue
		}
		for _, entry := range f.logs[id] {
			out = append(out, entry.Payload)
		}
	}
	return out
}

func (f *fakeExecutions) statusFor(taskID string) store.ExecutionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.executions {
		if e.TaskID == taskID {
			return e.Status
		}
	}
	return ""
}

func (f *fakeExecutions) countFor(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.executions {
		if e.TaskID == taskID {
			n++
		}
	}
	return n
}

// fakeMessages is an in-memory MessageService.
type fakeMessages struct {
	mu     sync.Mutex
	queues map[string][]store.QueuedMessage
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{queues: make(map[string][]store.QueuedMessage)}
}

func (f *fakeMessages) key(taskID string, lane store.Lane) string { return taskID + "/" + string(lane) }

func (f *fakeMessages) QueueMessage(taskID string, lane store.Lane, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(taskID, lane)
	f.queues[k] = append(f.queues[k], store.QueuedMessage{TaskID: taskID, Lane: lane, Content: content})
	return nil
}

func (f *fakeMessages) GetQueuedMessages(taskID string, lane store.Lane) ([]store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.QueuedMessage(nil), f.queues[f.key(taskID, lane)]...), nil
}

func (f *fakeMessages) TakeQueuedMessage(taskID string, lane store.Lane) (*store.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(taskID, lane)
	q := f.queues[k]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	f.queues[k] = q[1:]
	return &head, nil
}

func (f *fakeMessages) RemoveQueuedMessage(taskID string, index int, lane store.Lane) error { return nil }

func (f *fakeMessages) GetQueueStatus(taskID string, lane store.Lane) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[f.key(taskID, lane)]) > 0, nil
}

// fakeWorkspace is a Workspace that never touches a real git repo.
type fakeWorkspace struct {
	mu               sync.Mutex
	created          map[string]string
	uncommitted      map[string]bool
	commits          int
	rebaseSuccess    bool
	rebaseConflicts  []string
	filesChangedBase []string
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{created: make(map[string]string), uncommitted: make(map[string]bool), rebaseSuccess: true}
}

func (w *fakeWorkspace) GetPath(taskID string) string { return "/tmp/" + taskID }
func (w *fakeWorkspace) Create(taskID, baseBranch string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path := "/tmp/" + taskID
	w.created[taskID] = path
	return path, nil
}
func (w *fakeWorkspace) Delete(taskID string) error { return nil }
func (w *fakeWorkspace) GetCommitLog(taskID, base string) (string, error) { return "commit log", nil }
func (w *fakeWorkspace) GetDiffStats(taskID, base string) (string, error) { return "diff stats", nil }
func (w *fakeWorkspace) GetFilesChangedOnBase(taskID, base string) ([]string, error) {
	return w.filesChangedBase, nil
}
func (w *fakeWorkspace) RebaseOntoBase(taskID, base string) (bool, string, []string, error) {
	return w.rebaseSuccess, "rebased", w.rebaseConflicts, nil
}
func (w *fakeWorkspace) HasUncommittedChanges(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uncommitted[path]
}
func (w *fakeWorkspace) CommitAll(path, message string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uncommitted[path] = false
	w.commits++
	return true, nil
}

func (w *fakeWorkspace) commitCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commits
}
func (w *fakeWorkspace) Identity(path string) (string, string, error) { return "kagan", "kagan@example.com", nil }

// fakeMerge is a MergeService stub; each call pops the next scripted
// error (nil once the script runs out).
type fakeMerge struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (m *fakeMerge) Merge(taskID, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *fakeMerge) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeNotifier records every notification.
type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *fakeNotifier) Notify(message, title string, severity Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, title+": "+message)
}

// fakeObserver records lifecycle callbacks.
type fakeObserver struct {
	mu      sync.Mutex
	started []string
	ended   []string
	attached []string
}

func (o *fakeObserver) OnAutomationTaskStarted(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, taskID)
}
func (o *fakeObserver) OnAutomationTaskEnded(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, taskID)
}
func (o *fakeObserver) OnAutomationAgentAttached(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attached = append(o.attached, taskID)
}
func (o *fakeObserver) OnAutomationReviewAgentAttached(taskID string) {}
func (o *fakeObserver) OnIterationProgress(taskID string, iteration, maxIterations int) {}

// fakeClock sleeps with no real delay, immediately honoring cancellation.
type fakeClock struct{}

func (fakeClock) Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	default:
	}
}

// scriptedHandle is a fully scripted agent.Handle: each SendPrompt call
// consumes the next entry of responses, looping on the last one, and
// streams the turn's chunks to the message target the way a real handle's
// read loop does. The response consumed by the most recent SendPrompt is
// what GetResponseText/GetMessages report, matching how a real handle's
// state reflects its last turn.
type scriptedHandle struct {
	mu        sync.Mutex
	responses []string
	// chunks, when set, scripts how each response is split into streamed
	// message chunks; entry i corresponds to responses[i]. A response
	// without a chunks entry streams as one chunk.
	chunks    [][]string
	calls     int
	last      string
	stopped   bool
	cancelled bool
	messages  []string
	taskID    string
	target    agent.MessageSink
}

func (h *scriptedHandle) Start(ctx context.Context) error { return nil }
func (h *scriptedHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}
func (h *scriptedHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}
func (h *scriptedHandle) WaitReady(timeout time.Duration) error { return nil }
func (h *scriptedHandle) SendPrompt(text string) error {
	h.mu.Lock()
	call := h.calls
	h.calls++
	h.last = h.responseAt(call)
	parts := []string{h.last}
	if call < len(h.chunks) && len(h.chunks[call]) > 0 {
		parts = h.chunks[call]
	}
	h.messages = parts
	taskID := h.taskID
	target := h.target
	h.mu.Unlock()

	if target != nil {
		for _, part := range parts {
			target.Publish(taskID, part)
		}
	}
	return nil
}
func (h *scriptedHandle) responseAt(call int) string {
	if len(h.responses) == 0 {
		return ""
	}
	idx := call
	if idx >= len(h.responses) {
		idx = len(h.responses) - 1
	}
	return h.responses[idx]
}
func (h *scriptedHandle) SetAutoApprove(auto bool)      {}
func (h *scriptedHandle) SetModelOverride(model string) {}
func (h *scriptedHandle) SetTaskID(taskID string) {
	h.mu.Lock()
	h.taskID = taskID
	h.mu.Unlock()
}
func (h *scriptedHandle) GetResponseText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
func (h *scriptedHandle) GetMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages
}
func (h *scriptedHandle) ClearToolCalls() {}
func (h *scriptedHandle) SetMessageTarget(target agent.MessageSink) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
}

// gatedHandle blocks inside SendPrompt until released (or stopped), so a
// test can hold a concurrency slot open, or inject queued messages while a
// turn is "in flight". Each release lets exactly one turn finish with the
// scripted response.
type gatedHandle struct {
	scriptedHandle
	release chan struct{}
	stopCh  chan struct{}
	once    sync.Once
}

func newGatedHandle(responses ...string) *gatedHandle {
	return &gatedHandle{
		scriptedHandle: scriptedHandle{responses: responses},
		release:        make(chan struct{}),
		stopCh:         make(chan struct{}),
	}
}

func (h *gatedHandle) SendPrompt(text string) error {
	select {
	case <-h.release:
		return h.scriptedHandle.SendPrompt(text)
	case <-h.stopCh:
		return context.Canceled
	}
}

func (h *gatedHandle) Release() { h.release <- struct{}{} }

func (h *gatedHandle) Stop() error {
	h.once.Do(func() { close(h.stopCh) })
	return h.scriptedHandle.Stop()
}

// handleFactory hands out pre-built handles in order, one per factory
// call, so successive sessions (and the reviewer) can be scripted
// independently.
type handleFactory struct {
	mu      sync.Mutex
	handles []agent.Handle
	calls   int
}

func (f *handleFactory) New(identity string, cfg config.Agent, worktreePath string, readOnly bool) (agent.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.handles) {
		last := f.handles[len(f.handles)-1]
		f.calls++
		return last, nil
	}
	h := f.handles[f.calls]
	f.calls++
	return h, nil
}

func (f *handleFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFactory hands out a fresh scripted handle per call, every one with
// the same responses whatever the role.
type fakeFactory struct {
	mu        sync.Mutex
	responses []string
}

func (f *fakeFactory) New(identity string, cfg config.Agent, worktreePath string, readOnly bool) (agent.Handle, error) {
	return &scriptedHandle{responses: f.responses}, nil
}

func testEngineConfig(tasks *fakeTasks, execs *fakeExecutions, msgs *fakeMessages, ws *fakeWorkspace, implResponses []string) Config {
	return Config{
		Tasks:                  tasks,
		Executions:             execs,
		Messages:               msgs,
		Workspace:              ws,
		Notifier:               &fakeNotifier{},
		Observer:               &fakeObserver{},
		AgentFactory:           &fakeFactory{responses: implResponses},
		ImplementationIdentity: "coder",
		ReviewIdentity:         "reviewer",
		MaxConcurrentAgents:    1,
		MaxIterations:          5,
		IterationDelay:         0,
		AutoReview:             true,
		DefaultBaseBranch:      "main",
		Clock:                  fakeClock{},
	}
}
