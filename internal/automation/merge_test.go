package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/store"
)

// TestEngine_AutoMergeSuccess lands an approved task on the base branch
// and records the merge event without touching merge_failed.
func TestEngine_AutoMergeSuccess(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	merge := &fakeMerge{}
	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &sequencedFactory{
		implResponses:   []string{"<complete/>"},
		reviewResponses: []string{`<approve reason="clean"/>`},
	}
	cfg.AutoMerge = true
	cfg.Merge = merge
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	waitFor(t, 2*time.Second, func() bool { return merge.callCount() == 1 })
	got, _ := tasks.GetTask("t1")
	if got.MergeFailed {
		t.Errorf("merge_failed set after successful merge: %q", got.MergeError)
	}
}

// TestEngine_MergeConflictRetriesThroughRunLoop: a conflicting merge with
// auto-retry enabled rebases, notes the conflict context on the
// scratchpad, and re-enters IN_PROGRESS through normal admission.
func TestEngine_MergeConflictRetriesThroughRunLoop(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()
	ws.rebaseSuccess = false
	ws.rebaseConflicts = []string{"src/main.go"}
	ws.filesChangedBase = []string{"src/main.go", "go.mod"}

	impl1 := &scriptedHandle{responses: []string{"<complete/>"}}
	rev1 := &scriptedHandle{responses: []string{`<approve reason="fine"/>`}}
	impl2 := &scriptedHandle{responses: []string{"resolving conflicts"}}

	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &handleFactory{handles: []agent.Handle{impl1, rev1, impl2}}
	cfg.AutoMerge = true
	cfg.AutoRetryOnMergeConflict = true
	cfg.Merge = &fakeMerge{errs: []error{errors.New("merge conflict in src/main.go")}}
	cfg.Clock = RealClock
	cfg.IterationDelay = time.Hour // park the retry session mid-loop
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	waitFor(t, 2*time.Second, func() bool {
		pad, _ := tasks.GetScratchpad("t1")
		return strings.Contains(pad, "src/main.go")
	})
	waitFor(t, 2*time.Second, func() bool {
		return tasks.statusOf("t1") == store.StatusInProgress && e.IsRunning("t1")
	})

	got, _ := tasks.GetTask("t1")
	if got.MergeFailed {
		t.Error("merge_failed must be cleared on the retry path")
	}
	if got.ChecksPassed {
		t.Error("checks_passed must be cleared on the retry path")
	}
	if got.MergeReadiness != store.ReadinessRisk {
		t.Errorf("merge_readiness = %s, want RISK", got.MergeReadiness)
	}
	pad, _ := tasks.GetScratchpad("t1")
	if !strings.Contains(pad, "go.mod") {
		t.Errorf("scratchpad missing files changed on base, got %q", pad)
	}
}

// TestEngine_MergeConflictWithoutRetryRecordsFailure: with auto-retry off,
// a conflict records a blocking failure and the task stays in REVIEW.
func TestEngine_MergeConflictWithoutRetryRecordsFailure(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &sequencedFactory{
		implResponses:   []string{"<complete/>"},
		reviewResponses: []string{`<approve reason="fine"/>`},
	}
	cfg.AutoMerge = true
	cfg.AutoRetryOnMergeConflict = false
	cfg.Merge = &fakeMerge{errs: []error{errors.New("merge conflict in src/main.go")}}
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	waitFor(t, 2*time.Second, func() bool {
		got, _ := tasks.GetTask("t1")
		return got.MergeFailed
	})
	got, _ := tasks.GetTask("t1")
	if got.Status != store.StatusReview {
		t.Errorf("status = %s, want REVIEW", got.Status)
	}
	if got.MergeReadiness != store.ReadinessBlocked {
		t.Errorf("merge_readiness = %s, want BLOCKED", got.MergeReadiness)
	}
	if !strings.Contains(got.MergeError, "conflict") {
		t.Errorf("merge_error = %q, want the conflict message", got.MergeError)
	}
}

// TestEngine_MergeUnavailable: no merge adapter configured but auto_merge
// enabled records the canonical unavailable failure.
func TestEngine_MergeUnavailable(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()

	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &sequencedFactory{
		implResponses:   []string{"<complete/>"},
		reviewResponses: []string{`<approve reason="fine"/>`},
	}
	cfg.AutoMerge = true
	cfg.Merge = nil
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	waitFor(t, 2*time.Second, func() bool {
		got, _ := tasks.GetTask("t1")
		return got.MergeFailed && got.MergeError == "Auto-merge unavailable"
	})
}

// TestEngine_AutoCommitBeforeMerge: a dirty worktree at completion is
// committed before the REVIEW transition and merge run.
func TestEngine_AutoCommitBeforeMerge(t *testing.T) {
	tasks := newFakeTasks(newTestTask("t1"))
	execs := newFakeExecutions()
	msgs := newFakeMessages()
	ws := newFakeWorkspace()
	ws.uncommitted["/tmp/t1"] = true

	merge := &fakeMerge{}
	cfg := testEngineConfig(tasks, execs, msgs, ws, nil)
	cfg.AgentFactory = &sequencedFactory{
		implResponses:   []string{"<complete/>"},
		reviewResponses: []string{`<approve reason="fine"/>`},
	}
	cfg.AutoMerge = true
	cfg.Merge = merge
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.SpawnForTask("t1")

	waitFor(t, 2*time.Second, func() bool { return merge.callCount() == 1 })
	if got := ws.commitCount(); got == 0 {
		t.Error("expected an auto-commit of the dirty worktree before merging")
	}
}
