package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Merger implements the automation core's Merge Service contract: merging
// a task's branch into a base branch of the shared repository clone.
type Merger struct {
	repoDir      string
	worktreeRoot string
}

// NewMerger builds a Merger over the same repository/worktree root a
// Workspace manages branches for.
func NewMerger(repoDir, worktreeRoot string) *Merger {
	return &Merger{repoDir: repoDir, worktreeRoot: worktreeRoot}
}

func (m *Merger) branchName(taskID string) string {
	return fmt.Sprintf("kagan/task-%s", taskID)
}

// Merge no-ff merges the task's branch into base, in the shared
// repository clone (not the task's worktree). On conflict the merge is
// aborted and the error message contains "conflict", matching the
// isConflictError check the run loop uses to decide on a rebase retry.
func (m *Merger) Merge(taskID, base string) error {
	branch := m.branchName(taskID)

	checkout := exec.Command("git", "checkout", base)
	checkout.Dir = m.repoDir
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("checkout %s: %s", base, strings.TrimSpace(string(out)))
	}

	merge := exec.Command("git", "merge", "--no-ff", "-m", "merge "+branch+" into "+base, branch)
	merge.Dir = m.repoDir
	out, err := merge.CombinedOutput()
	if err == nil {
		return nil
	}

	conflicted := m.conflictedFiles()

	abort := exec.Command("git", "merge", "--abort")
	abort.Dir = m.repoDir
	_ = abort.Run()

	if len(conflicted) > 0 {
		return fmt.Errorf("conflict merging %s into %s: %s", branch, base, strings.Join(conflicted, ", "))
	}
	return fmt.Errorf("merge %s into %s: %s", branch, base, strings.TrimSpace(string(out)))
}

func (m *Merger) conflictedFiles() []string {
	cmd := exec.Command("git", "diff", "--name-only", "--diff-filter=U")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}
