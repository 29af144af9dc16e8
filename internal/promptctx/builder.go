// Package promptctx builds the prompt an agent reads before each turn: task
// metadata, accumulated scratchpad, iteration index, the worktree's git
// identity (so the agent can write Co-authored-by trailers), and any
// queued follow-up messages drained from the task's lane.
package promptctx

import (
	"fmt"
	"strings"

	"github.com/kagan-dev/kagan/internal/store"
)

// MaxQueuedMessageLen bounds how much of a single queued follow-up is
// folded into the prompt, so a runaway message can't blow up context.
const MaxQueuedMessageLen = 2000

// MaxDiffLen bounds how much of a review diff is folded into the prompt.
const MaxDiffLen = 8000

// Builder constructs prompts from task state. It performs no I/O against
// the store or git itself; callers drain queued messages and fetch diffs
// beforehand, keeping prompt construction pure and easy to test.
type Builder struct{}

func New() *Builder {
	return &Builder{}
}

// BuildImplementationPrompt builds the prompt for one run-loop iteration.
func (b *Builder) BuildImplementationPrompt(task *store.Task, iteration int, identityName, identityEmail string, queued []string) string {
	var parts []string

	parts = append(parts, "# You are a Software Developer\nImplement the task below. Write clean, tested code. When finished, emit <complete/>. If you need information you cannot infer, emit <blocked reason=\"...\"/> and stop.")
	parts = append(parts, b.taskSection(task))
	parts = append(parts, fmt.Sprintf("## Iteration\nThis is iteration %d.", iteration))

	if identityName != "" || identityEmail != "" {
		parts = append(parts, fmt.Sprintf("## Identity\nWhen committing, credit yourself as a co-author: Co-authored-by: %s <%s>", identityName, identityEmail))
	}

	if task.Scratchpad != "" {
		parts = append(parts, "## Accumulated Notes\n"+task.Scratchpad)
	}

	if len(queued) > 0 {
		parts = append(parts, b.queuedSection("Follow-up Requests", queued))
	}

	return strings.Join(parts, "\n\n")
}

// BuildReviewPrompt builds the read-only reviewer's prompt: task context,
// the diff under review, and any queued review follow-ups.
func (b *Builder) BuildReviewPrompt(task *store.Task, diff string, queued []string) string {
	var parts []string

	parts = append(parts, "# You are a Code Reviewer\nReview the diff below for bugs, security issues, and logic errors; ignore style nitpicks. Emit <approve reason=\"...\"/> or <reject reason=\"...\"/>.")
	parts = append(parts, b.taskSection(task))

	if diff != "" {
		if len(diff) > MaxDiffLen {
			diff = diff[:MaxDiffLen] + fmt.Sprintf("\n\n... (diff truncated, %d bytes total)", len(diff))
		}
		parts = append(parts, "## Changes (git diff)\n```diff\n"+diff+"\n```")
	}

	if len(queued) > 0 {
		parts = append(parts, b.queuedSection("Reviewer Follow-up Requests", queued))
	}

	return strings.Join(parts, "\n\n")
}

func (b *Builder) taskSection(task *store.Task) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s**\n", task.Title))
	if task.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", task.Description))
	}
	if task.AcceptanceCriteria != "" {
		sb.WriteString(fmt.Sprintf("\n### Acceptance Criteria\n%s\n", task.AcceptanceCriteria))
	}
	return sb.String()
}

func (b *Builder) queuedSection(heading string, queued []string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n", heading))
	for _, msg := range queued {
		if len(msg) > MaxQueuedMessageLen {
			msg = msg[:MaxQueuedMessageLen] + "... (truncated)"
		}
		sb.WriteString("- " + msg + "\n")
	}
	return sb.String()
}
