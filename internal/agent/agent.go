// Package agent implements the Agent contract: a handle to one running
// coding-agent process (CLI subprocess or hosted API), polymorphic over the
// implementation and reviewer roles. The automation core only ever talks to
// the Handle interface; concrete handles own their process or HTTP lifecycle.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/config"
)

// Role distinguishes the implementation agent from the read-only reviewer.
type Role string

const (
	RoleImplementation Role = "implementation"
	RoleReviewer       Role = "reviewer"
)

// MessageSink receives live-streamed response chunks for a task, used to
// attach a UI or log sink to a running agent.
type MessageSink interface {
	Publish(taskID, chunk string)
}

// Handle is the capability set the run loop and reviewer drive against.
// Start/Stop/Cancel and the streaming surface are safe for concurrent use;
// a UI goroutine may read GetResponseText/GetMessages while the run loop
// drives SendPrompt.
type Handle interface {
	Start(ctx context.Context) error
	Stop() error // idempotent
	Cancel()
	WaitReady(timeout time.Duration) error
	SendPrompt(text string) error

	SetAutoApprove(auto bool)
	SetModelOverride(model string) // "" clears the override
	SetTaskID(taskID string)

	GetResponseText() string
	GetMessages() []string
	ClearToolCalls()

	SetMessageTarget(target MessageSink)
}

// Factory constructs a fresh Handle for a worktree. readOnly is set for the
// reviewer role, which inspects the worktree but does not modify it.
type Factory interface {
	New(identity string, cfg config.Agent, worktreePath string, readOnly bool) (Handle, error)
}

// DefaultFactory builds CLI or API handles based on the agent's configured
// mode.
type DefaultFactory struct{}

func (DefaultFactory) New(identity string, cfg config.Agent, worktreePath string, readOnly bool) (Handle, error) {
	switch cfg.Mode {
	case "cli":
		return NewCLIHandle(identity, cfg, worktreePath, readOnly), nil
	case "api":
		return NewAPIHandle(identity, cfg, worktreePath, readOnly)
	default:
		return nil, fmt.Errorf("unknown agent mode: %s", cfg.Mode)
	}
}
