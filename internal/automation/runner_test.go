package automation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/store"
)

// TestEngine_FIFOAdmissionAtCapacity walks the literal backpressure
// path: with one slot held, three spawn requests (one a duplicate)
// park FIFO in the pending queue, and each slot release admits exactly
// the head.
func TestEngine_FIFOAdmissionAtCapacity(t *testing.T) {
	tasks := newFakeTasks(newTestTask("task-a"), newTestTask("task-b"), newTestTask("task-c"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	ga := newGatedHandle("never finishes")
	gb := newGatedHandle("never finishes")
	gc := newGatedHandle("never finishes")

	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.MaxConcurrentAgents = 1
	cfg.AutoReview = false
	cfg.AgentFactory = &handleFactory{handles: []agent.Handle{ga, gb, gc}}
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("task-a")
	waitFor(t, 2*time.Second, func() bool { return e.IsRunning("task-a") })

	e.SpawnForTask("task-b")
	e.SpawnForTask("task-c")
	e.SpawnForTask("task-b") // duplicate, deduplicated by the companion set

	waitFor(t, 2*time.Second, func() bool {
		p := e.PendingSnapshot()
		return len(p) == 2 && p[0] == "task-b" && p[1] == "task-c"
	})

	e.StopTask("task-a")
	waitFor(t, 2*time.Second, func() bool {
		p := e.PendingSnapshot()
		return e.IsRunning("task-b") && !e.IsRunning("task-a") && len(p) == 1 && p[0] == "task-c"
	})

	e.StopTask("task-b")
	waitFor(t, 2*time.Second, func() bool {
		return e.IsRunning("task-c") && len(e.PendingSnapshot()) == 0
	})

	if e.RunningCount() != 1 {
		t.Errorf("expected running count 1, got %d", e.RunningCount())
	}
}

// TestEngine_OverlappingTasksAdmitInParallel: two tasks touching the same
// files both get slots when capacity allows; admission considers only the
// concurrency cap, never task content.
func TestEngine_OverlappingTasksAdmitInParallel(t *testing.T) {
	t1 := newTestTask("task-a")
	t1.Description = "Refactor src/calculator.py"
	t2 := newTestTask("task-b")
	t2.Description = "Add tests for src/calculator.py"
	tasks := newFakeTasks(t1, t2)
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	ga := newGatedHandle("never finishes")
	gb := newGatedHandle("never finishes")
	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.MaxConcurrentAgents = 2
	cfg.AgentFactory = &handleFactory{handles: []agent.Handle{ga, gb}}
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("task-a")
	e.SpawnForTask("task-b")

	waitFor(t, 2*time.Second, func() bool {
		return e.IsRunning("task-a") && e.IsRunning("task-b")
	})
	if len(e.PendingSnapshot()) != 0 {
		t.Errorf("expected empty pending queue, got %v", e.PendingSnapshot())
	}
}

// TestEngine_StopPersistsBacklog verifies an explicit stop request both
// tears down the runner and persists the BACKLOG transition, with the
// execution record marked cancelled rather than failed.
func TestEngine_StopPersistsBacklog(t *testing.T) {
	tasks := newFakeTasks(newTestTask("task-a"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	g := newGatedHandle("never finishes")
	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &handleFactory{handles: []agent.Handle{g}}
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("task-a")
	waitFor(t, 2*time.Second, func() bool {
		return e.IsRunning("task-a") && tasks.statusOf("task-a") == store.StatusInProgress
	})

	e.StopTask("task-a")

	waitFor(t, 2*time.Second, func() bool {
		return !e.IsRunning("task-a") && tasks.statusOf("task-a") == store.StatusBacklog
	})
	waitFor(t, 2*time.Second, func() bool {
		return execs.statusFor("task-a") == store.ExecutionCancelled
	})
}

// TestEngine_BlockedSignalMovesToBacklog: a <blocked reason=.../> response
// lands the task in BACKLOG with the reason on both the scratchpad and the
// block_reason field.
func TestEngine_BlockedSignalMovesToBacklog(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	cfg := testEngineConfig(tasks, execs, msgs, ws, []string{`<blocked reason="Missing API key"/>`})
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	// The task starts in BACKLOG, so wait for the session to finish rather
	// than for the status alone.
	waitFor(t, 2*time.Second, func() bool {
		return tasks.statusOf("t1") == store.StatusBacklog && execs.statusFor("t1") == store.ExecutionFailed
	})

	got, _ := tasks.GetTask("t1")
	if !strings.Contains(got.Scratchpad, "Missing API key") {
		t.Errorf("scratchpad missing block reason, got %q", got.Scratchpad)
	}
	if got.BlockReason != "Missing API key" {
		t.Errorf("block_reason = %q, want %q", got.BlockReason, "Missing API key")
	}
	waitFor(t, 2*time.Second, func() bool {
		return execs.statusFor("t1") == store.ExecutionFailed
	})
}

// TestEngine_IncrementalLogPersistence: two streamed chunks produce two
// separate log appends whose snapshots carry the partial content, never
// only the final concatenated text.
func TestEngine_IncrementalLogPersistence(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	h := &scriptedHandle{
		responses: []string{"Hello world"},
		chunks:    [][]string{{"Hello", " world"}},
	}
	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &handleFactory{handles: []agent.Handle{h}}
	cfg.MaxIterations = 1
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")
	waitFor(t, 2*time.Second, func() bool {
		// max iterations; the task starts in BACKLOG, so also wait for the
		// session's execution to be finalized.
		return tasks.statusOf("t1") == store.StatusBacklog && execs.statusFor("t1") == store.ExecutionCompleted
	})

	payloads := execs.logPayloadsFor("t1")
	if len(payloads) < 2 {
		t.Fatalf("expected at least 2 log appends, got %d", len(payloads))
	}

	var first, second logSnapshot
	if err := json.Unmarshal([]byte(payloads[0]), &first); err != nil {
		t.Fatalf("first payload not a snapshot: %v", err)
	}
	if err := json.Unmarshal([]byte(payloads[1]), &second); err != nil {
		t.Fatalf("second payload not a snapshot: %v", err)
	}

	if len(first.Messages) != 1 || first.Messages[0] != "Hello" {
		t.Errorf("first snapshot messages = %v, want [Hello]", first.Messages)
	}
	if first.ResponseText != "Hello" {
		t.Errorf("first snapshot response_text = %q, want partial %q", first.ResponseText, "Hello")
	}
	if len(second.Messages) != 2 || second.Messages[1] != " world" {
		t.Errorf("second snapshot messages = %v, want [Hello,  world]", second.Messages)
	}
	for _, m := range first.Messages {
		if m == "Hello world" {
			t.Error("concatenated text appeared as a single chunk before the stream finished")
		}
	}
}

// TestEngine_ReviewResultPreservesBoundary: after two implementation log
// entries and an approving review, the execution metadata holds both the
// partition boundary and the review result simultaneously.
func TestEngine_ReviewResultPreservesBoundary(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	impl := &scriptedHandle{
		responses: []string{"part one\npart two\n<complete/>"},
		chunks:    [][]string{{"part one\n", "part two\n<complete/>"}},
	}
	review := &scriptedHandle{responses: []string{`<approve reason="ship it"/>`}}

	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &handleFactory{handles: []agent.Handle{impl, review}}
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	waitFor(t, 2*time.Second, func() bool {
		got, _ := tasks.GetTask("t1")
		return got.Status == store.StatusReview && got.ChecksPassed
	})
	waitFor(t, 2*time.Second, func() bool {
		md := execs.metadataFor("t1")
		return md[store.MetaReviewResultStatus] != ""
	})

	md := execs.metadataFor("t1")
	if md[store.MetaReviewLogStartIndex] != "2" {
		t.Errorf("review_log_start_index = %q, want %q", md[store.MetaReviewLogStartIndex], "2")
	}
	if md[store.MetaReviewResultStatus] != "approved" {
		t.Errorf("review_result status = %q, want approved", md[store.MetaReviewResultStatus])
	}
	waitFor(t, 2*time.Second, func() bool {
		return execs.statusFor("t1") == store.ExecutionCompleted
	})
}

// TestEngine_QueuedFollowUpRespawnsWithoutReview: a message queued while
// the agent's final turn is in flight keeps the task out of REVIEW, folds
// the content into the scratchpad, and re-runs the task through the
// pending-spawn path.
func TestEngine_QueuedFollowUpRespawnsWithoutReview(t *testing.T) {
	tasks := newFakeTasks(newTestTask("task-a"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	first := newGatedHandle("<complete/>")
	second := &scriptedHandle{responses: []string{"still working"}}
	factory := &handleFactory{handles: []agent.Handle{first, second}}

	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = factory
	cfg.Clock = RealClock
	cfg.IterationDelay = time.Hour // park the second session mid-loop
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("task-a")
	waitFor(t, 2*time.Second, func() bool { return e.IsRunning("task-a") })

	// The first iteration already drained the lane when it built its
	// prompt; this message lands mid-turn, after COMPLETE was decided on.
	msgs.QueueMessage("task-a", store.LaneImplementation, "also update the changelog")
	first.Release()

	waitFor(t, 2*time.Second, func() bool {
		pad, _ := tasks.GetScratchpad("task-a")
		return strings.Contains(pad, "also update the changelog")
	})
	waitFor(t, 2*time.Second, func() bool {
		return factory.callCount() == 2 && e.IsRunning("task-a")
	})

	if got := tasks.statusOf("task-a"); got != store.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS (handle_complete must not run)", got)
	}
	got, _ := tasks.GetTask("task-a")
	if got.ChecksPassed {
		t.Error("checks_passed set; review must not have run")
	}
	if n := execs.countFor("task-a"); n != 2 {
		t.Errorf("expected 2 executions (one per session), got %d", n)
	}
}

// TestEngine_MaxIterationsExhausted: with no signal ever emitted the loop
// stops at the iteration ceiling and notes it on the scratchpad.
func TestEngine_MaxIterationsExhausted(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	cfg := testEngineConfig(tasks, execs, msgs, ws, []string{"no signal here"})
	cfg.MaxIterations = 3
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	// The task starts in BACKLOG, so wait for the session to finish rather
	// than for the status alone.
	waitFor(t, 2*time.Second, func() bool {
		return tasks.statusOf("t1") == store.StatusBacklog && execs.statusFor("t1") == store.ExecutionCompleted
	})
	got, _ := tasks.GetTask("t1")
	if !strings.Contains(got.Scratchpad, "MAX ITERATIONS") {
		t.Errorf("scratchpad missing max-iterations note, got %q", got.Scratchpad)
	}
	if got.TotalIterations != 3 {
		t.Errorf("total_iterations = %d, want 3", got.TotalIterations)
	}
}
