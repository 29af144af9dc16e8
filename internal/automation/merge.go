package automation

import (
	"strings"

	"github.com/kagan-dev/kagan/internal/store"
)

// autoMerge serializes merges behind the process-wide merge lock, so two
// tasks never race to merge into the same base at once, and folds a
// rejected-by-conflict merge back into the run loop when configured to
// retry automatically.
func (e *Engine) autoMerge(taskID, worktreePath, baseBranch string) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	e.autoCommit(worktreePath, taskID)

	if e.cfg.Merge == nil {
		e.recordMergeFailure(taskID, "Auto-merge unavailable")
		return
	}

	err := e.cfg.Merge.Merge(taskID, baseBranch)
	if err == nil {
		e.cfg.Tasks.AppendEvent(taskID, "merged", "merged to "+baseBranch)
		e.notify("Task merged to "+baseBranch, "Merge complete", SeverityInfo)
		return
	}

	if isConflictError(err) && e.t().AutoRetryOnMergeConflict {
		e.retryMergeConflict(taskID, worktreePath, baseBranch, err)
		return
	}

	e.recordMergeFailure(taskID, err.Error())
}

func isConflictError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "conflict")
}

// retryMergeConflict recovers from a conflicting merge: rebase the
// worktree onto the current base, fold the conflicting files into the
// scratchpad as context for the next iteration, and re-enter IN_PROGRESS
// through the event queue so the resumed run loop picks it up like any
// other admission.
func (e *Engine) retryMergeConflict(taskID, worktreePath, baseBranch string, mergeErr error) {
	if worktreePath == "" {
		e.recordMergeFailure(taskID, "Worktree not found for conflict retry")
		return
	}

	changed, _ := e.cfg.Workspace.GetFilesChangedOnBase(taskID, baseBranch)
	success, message, conflictFiles, err := e.cfg.Workspace.RebaseOntoBase(taskID, baseBranch)

	// A conflicted rebase (success=false, conflictFiles non-empty) is the
	// expected case this retry exists for: the rebase is left stopped for
	// the agent to resolve, and we still proceed to re-enter IN_PROGRESS.
	// Only a true workspace-level error aborts the retry outright.
	if err != nil {
		e.recordMergeFailure(taskID, mergeErr.Error())
		return
	}

	note := "Merge conflict detected, rebased onto " + baseBranch + ".\n" +
		"Files changed on base: " + strings.Join(changed, ", ") + "\n" +
		"Conflicting files: " + strings.Join(conflictFiles, ", ") + "\n" +
		message
	if !success {
		note = "Merge conflict detected; rebase onto " + baseBranch + " left conflicts for the agent to resolve.\n" +
			"Files changed on base: " + strings.Join(changed, ", ") + "\n" +
			"Conflicting files: " + strings.Join(conflictFiles, ", ") + "\n" +
			message
	}
	e.appendScratchpad(taskID, note)

	falseVal := false
	emptyStr := ""
	risk := store.ReadinessRisk
	e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{
		Status:         statusPtr(store.StatusInProgress),
		ChecksPassed:   &falseVal,
		ReviewSummary:  &emptyStr,
		MergeFailed:    &falseVal,
		MergeError:     &emptyStr,
		MergeReadiness: &risk,
	})
	e.cfg.Tasks.AppendEvent(taskID, "merge_retry", "rebased after merge conflict, re-entering run loop")
	e.notify("Merge conflict on "+taskID+"; rebased and re-queued", "Merge conflict", SeverityWarning)

	// Re-enter the run loop two ways: the synthetic REVIEW -> IN_PROGRESS
	// transition goes through the normal event path, and the respawn mark
	// covers the window where that event is processed while this task's
	// finishing runner still occupies the running map (admission would see
	// "already running" and drop it). Whichever lands first wins; the
	// other is deduplicated by normal admission rules.
	e.running.SetRespawn(taskID)
	review := store.StatusReview
	inProgress := store.StatusInProgress
	e.HandleEvent(taskID, &review, &inProgress)
}

func (e *Engine) recordMergeFailure(taskID, message string) {
	trueVal := true
	blocked := store.ReadinessBlocked
	e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{
		MergeFailed:    &trueVal,
		MergeError:     &message,
		MergeReadiness: &blocked,
	})
	e.cfg.Tasks.AppendEvent(taskID, "merge_failed", message)
	e.notify(message, "Merge failed", SeverityError)
}
