package automation

import (
	"context"
	"strconv"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/git"
	"github.com/kagan-dev/kagan/internal/store"
)

// handleComplete finishes a session whose agent reported done: move to
// REVIEW, mark the implementation/review log boundary, run the reviewer,
// and fall through to auto-merge when configured.
func (e *Engine) handleComplete(ctx context.Context, taskID, executionID, worktreePath, baseBranch string) {
	e.autoCommit(worktreePath, taskID)

	readiness := store.ReadinessRisk
	falseVal := false
	emptyStr := ""
	e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{
		Status:         statusPtr(store.StatusReview),
		MergeReadiness: &readiness,
		MergeFailed:    &falseVal,
		MergeError:     &emptyStr,
	})

	entries, _ := e.cfg.Executions.GetExecutionLogEntries(executionID)
	boundary := len(entries)

	// The metadata merge is shallow-additive: this write must not clobber
	// whatever the implementation phase already stored.
	e.cfg.Executions.UpdateExecution(executionID, nil, map[string]string{
		store.MetaReviewLogStartIndex: strconv.Itoa(boundary),
	}, nil)

	if !e.t().AutoReview {
		return
	}

	approved, summary := e.review(ctx, taskID, executionID, worktreePath, baseBranch)

	e.cfg.Executions.UpdateExecution(executionID, nil, map[string]string{
		store.MetaReviewResultStatus:  reviewStatusLabel(approved),
		store.MetaReviewResultSummary: summary,
	}, nil)

	if !approved {
		blocked := store.ReadinessBlocked
		e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{
			MergeReadiness: &blocked,
			ReviewSummary:  &summary,
		})
		return
	}

	checksPassed := true
	e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{
		ReviewSummary: &summary,
		ChecksPassed:  &checksPassed,
	})

	if e.t().AutoMerge {
		e.autoMerge(taskID, worktreePath, baseBranch)
	}
}

// review builds the review prompt, runs a read-only reviewer agent, and
// parses its verdict.
func (e *Engine) review(ctx context.Context, taskID, executionID, worktreePath, baseBranch string) (approved bool, summary string) {
	task, err := e.cfg.Tasks.GetTask(taskID)
	if err != nil || task == nil {
		return false, "Task not found during review"
	}

	commitLog, _ := e.cfg.Workspace.GetCommitLog(taskID, baseBranch)
	diffStats, _ := e.cfg.Workspace.GetDiffStats(taskID, baseBranch)
	diff := commitLog + "\n" + diffStats

	var queued []string
	for {
		msg, _ := e.cfg.Messages.TakeQueuedMessage(taskID, store.LaneReview)
		if msg == nil {
			break
		}
		queued = append(queued, msg.Content)
	}

	prompt := prompts.BuildReviewPrompt(task, diff, queued)

	h, err := e.cfg.AgentFactory.New(e.cfg.ReviewIdentity, e.cfg.ReviewAgent, worktreePath, true)
	if err != nil {
		return false, "Review agent error: " + err.Error()
	}
	h.SetAutoApprove(true)
	if e.cfg.ModelOverride != nil {
		h.SetModelOverride(e.cfg.ModelOverride(e.cfg.ReviewIdentity))
	}
	h.SetTaskID(taskID)

	defer h.Stop() // always stop the review agent on exit, success or failure

	if err := h.Start(ctx); err != nil {
		return false, "Review agent error: " + err.Error()
	}
	if err := h.WaitReady(e.cfg.AgentReadyTimeout); err != nil {
		return false, "Review agent timed out"
	}

	e.running.SetReviewAgent(taskID, h)
	if e.cfg.Observer != nil {
		e.cfg.Observer.OnAutomationReviewAgentAttached(taskID)
	}

	if err := h.SendPrompt(prompt); err != nil {
		return false, "Review agent error: " + err.Error()
	}

	responseText := h.GetResponseText()
	e.cfg.Executions.AppendExecutionLog(executionID, responseText)

	signal := agent.ParseSignal(responseText)
	switch signal.Kind {
	case agent.SignalApprove:
		return true, signal.Reason
	case agent.SignalReject:
		return false, signal.Reason
	default:
		return false, "No review signal found in agent response"
	}
}

// autoCommit is the safety net for a dirty worktree: the agent may leave
// uncommitted changes when it reports COMPLETE or before a merge/rebase;
// commit on the task's behalf so the transition never fails on an
// unclean tree.
func (e *Engine) autoCommit(worktreePath, taskID string) {
	if !e.cfg.Workspace.HasUncommittedChanges(worktreePath) {
		return
	}
	task, err := e.cfg.Tasks.GetTask(taskID)
	title, description := "", ""
	if err == nil && task != nil {
		title, description = task.Title, task.Description
	}
	msg := git.CommitMessage(taskID, title, description)
	e.cfg.Workspace.CommitAll(worktreePath, msg)
}

func statusPtr(s store.TaskStatus) *store.TaskStatus { return &s }

func reviewStatusLabel(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}
