// Package git implements the Workspace Service contract on top of git
// worktrees: one isolated working directory per task, branched from the
// task's base branch, so parallel runners never contend over files.
package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Workspace manages per-task git worktrees rooted in a single shared
// repository clone.
type Workspace struct {
	repoDir      string
	worktreeRoot string
}

// New creates a Workspace backed by the git repository at repoDir, with
// per-task worktrees created under worktreeRoot.
func New(repoDir, worktreeRoot string) *Workspace {
	return &Workspace{repoDir: repoDir, worktreeRoot: worktreeRoot}
}

func (w *Workspace) branchName(taskID string) string {
	return fmt.Sprintf("kagan/task-%s", taskID)
}

// GetPath returns the worktree directory for a task, regardless of whether
// it has been created yet.
func (w *Workspace) GetPath(taskID string) string {
	return filepath.Join(w.worktreeRoot, taskID)
}

func (w *Workspace) isGitRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = w.repoDir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Create provisions the worktree for a task, branched from base. If the
// worktree already exists, it is returned as-is. Failures are classified
// by type so the run loop can report them precisely.
func (w *Workspace) Create(taskID, base string) (string, error) {
	if w.repoDir == "" {
		return "", NewValidationError("no repository configured")
	}
	if !w.isGitRepo() {
		return "", NewGitError("not a git repository", nil)
	}
	if base == "" {
		return "", NewValidationError("base branch is empty")
	}
	verify := exec.Command("git", "rev-parse", "--verify", base)
	verify.Dir = w.repoDir
	if err := verify.Run(); err != nil {
		return "", NewValidationError("base branch %q does not exist", base)
	}

	path := w.GetPath(taskID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	branch := w.branchName(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", NewGitError("create worktree parent dir", err)
	}

	var cmd *exec.Cmd
	if branchExists(w.repoDir, branch) {
		cmd = exec.Command("git", "worktree", "add", path, branch)
	} else {
		cmd = exec.Command("git", "worktree", "add", "-b", branch, path, base)
	}
	cmd.Dir = w.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", NewGitError("create worktree", fmt.Errorf("%s", strings.TrimSpace(string(out))))
	}
	return path, nil
}

func branchExists(repoDir, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

// Delete removes a task's worktree and its branch.
func (w *Workspace) Delete(taskID string) error {
	path := w.GetPath(taskID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.Command("git", "worktree", "remove", path, "--force")
	cmd.Dir = w.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return NewGitError("remove worktree", fmt.Errorf("%s", strings.TrimSpace(string(out))))
	}

	branch := w.branchName(taskID)
	cmd = exec.Command("git", "branch", "-D", branch)
	cmd.Dir = w.repoDir
	_ = cmd.Run() // branch may already be gone; not fatal

	return nil
}

// GetCommitLog returns the oneline commit log for the task branch since it
// diverged from base.
func (w *Workspace) GetCommitLog(taskID, base string) (string, error) {
	branch := w.branchName(taskID)
	cmd := exec.Command("git", "log", "--oneline", base+".."+branch)
	cmd.Dir = w.repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", NewGitError("get commit log", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GetDiffStats returns a stat-summary of the task branch's changes relative
// to base.
func (w *Workspace) GetDiffStats(taskID, base string) (string, error) {
	branch := w.branchName(taskID)
	cmd := exec.Command("git", "diff", "--stat", base+"..."+branch)
	cmd.Dir = w.repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", NewGitError("get diff stats", err)
	}
	return string(out), nil
}

// GetFilesChangedOnBase returns files that changed on base since the task
// branch diverged, the context hint used for rebase conflict notes.
func (w *Workspace) GetFilesChangedOnBase(taskID, base string) ([]string, error) {
	branch := w.branchName(taskID)
	cmd := exec.Command("git", "diff", "--name-only", branch+"..."+base)
	cmd.Dir = w.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, NewGitError("get files changed on base", err)
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// RebaseOntoBase rebases the task's worktree onto the latest base. On
// conflict the rebase is left in its stopped state for the agent to
// resolve; the caller is told which files conflicted.
func (w *Workspace) RebaseOntoBase(taskID, base string) (success bool, message string, conflictFiles []string, err error) {
	path := w.GetPath(taskID)

	fetch := exec.Command("git", "fetch", "origin", base)
	fetch.Dir = path
	_ = fetch.Run() // best-effort; local base ref may already be current

	cmd := exec.Command("git", "rebase", base)
	cmd.Dir = path
	out, rebaseErr := cmd.CombinedOutput()
	if rebaseErr == nil {
		return true, strings.TrimSpace(string(out)), nil, nil
	}

	statusCmd := exec.Command("git", "diff", "--name-only", "--diff-filter=U")
	statusCmd.Dir = path
	statusOut, _ := statusCmd.Output()
	for _, line := range strings.Split(string(statusOut), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			conflictFiles = append(conflictFiles, line)
		}
	}

	return false, strings.TrimSpace(string(out)), conflictFiles, nil
}

// HasUncommittedChanges reports whether the worktree at path has any
// tracked-file modifications not yet committed.
func (w *Workspace) HasUncommittedChanges(path string) bool {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// CommitAll stages and commits all changes in the worktree at path.
// Returns false if there was nothing to commit.
func (w *Workspace) CommitAll(path, message string) (bool, error) {
	addCmd := exec.Command("git", "add", "-A")
	addCmd.Dir = path
	if out, err := addCmd.CombinedOutput(); err != nil {
		return false, NewGitError("git add", fmt.Errorf("%s", strings.TrimSpace(string(out))))
	}

	diffCmd := exec.Command("git", "diff", "--cached", "--quiet")
	diffCmd.Dir = path
	if err := diffCmd.Run(); err == nil {
		return false, nil
	}

	commitCmd := exec.Command("git", "commit", "-m", message)
	commitCmd.Dir = path
	out, err := commitCmd.CombinedOutput()
	if err != nil {
		return false, NewGitError("git commit", fmt.Errorf("%s", strings.TrimSpace(string(out))))
	}
	return true, nil
}

// Identity returns the configured git user.name/user.email for the
// worktree at path, propagated into the agent prompt so the agent can
// write Co-authored-by trailers.
func (w *Workspace) Identity(path string) (name, email string, err error) {
	nameCmd := exec.Command("git", "config", "user.name")
	nameCmd.Dir = path
	nameOut, nerr := nameCmd.Output()
	if nerr == nil {
		name = strings.TrimSpace(string(nameOut))
	}

	emailCmd := exec.Command("git", "config", "user.email")
	emailCmd.Dir = path
	emailOut, eerr := emailCmd.Output()
	if eerr == nil {
		email = strings.TrimSpace(string(emailOut))
	}

	return name, email, nil
}
