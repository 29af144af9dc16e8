package git

import "fmt"

// ValidationError covers missing repos, missing project directories, and
// invalid base branches. The run loop reacts by moving the task to BACKLOG
// and notifying with the precise message rather than a generic failure.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// GitError covers "not a git repository" and other fatal git failures.
type GitError struct {
	Msg string
	Err error
}

func (e *GitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *GitError) Unwrap() error { return e.Err }

func NewGitError(msg string, err error) error {
	return &GitError{Msg: msg, Err: err}
}
