package git

import "strings"

// CommitMessage infers a conventional-commit-style prefix from task title
// and description, and falls back to a neutral "chore" prefix when nothing
// matches. Used by the auto-commit safety net when a run loop or
// merge/rebase finds an uncommitted worktree.
func CommitMessage(taskID, title, description string) string {
	return conventionalPrefix(title, description) + ": " + title + " (task " + taskID + ")"
}

func conventionalPrefix(title, description string) string {
	text := strings.ToLower(title + " " + description)
	switch {
	case containsAny(text, "fix", "bug", "error", "crash", "regression"):
		return "fix"
	case containsAny(text, "doc", "readme", "comment"):
		return "docs"
	case containsAny(text, "refactor", "cleanup", "clean up", "rename"):
		return "chore"
	case containsAny(text, "test", "spec"):
		return "test"
	case containsAny(text, "add", "implement", "feature", "support"):
		return "feat"
	default:
		return "chore"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
