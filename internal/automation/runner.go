package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/git"
	"github.com/kagan-dev/kagan/internal/promptctx"
	"github.com/kagan-dev/kagan/internal/store"
)

var prompts = promptctx.New()

// execLogSink receives streamed response chunks from the attached agent
// and persists each one as an execution-log append of the current
// {response_text, messages[]} snapshot, so external log readers see
// partial content in near-real-time rather than only the final text.
type execLogSink struct {
	execs  ExecutionRepository
	execID string

	mu      sync.Mutex
	text    strings.Builder
	chunks  []string
	appends int
}

type logSnapshot struct {
	ResponseText string   `json:"response_text"`
	Messages     []string `json:"messages"`
}

func (s *execLogSink) Publish(taskID, chunk string) {
	s.mu.Lock()
	s.text.WriteString(chunk)
	s.chunks = append(s.chunks, chunk)
	s.appends++
	payload, err := json.Marshal(logSnapshot{
		ResponseText: s.text.String(),
		Messages:     append([]string(nil), s.chunks...),
	})
	s.mu.Unlock()
	if err != nil {
		return
	}
	s.execs.AppendExecutionLog(s.execID, string(payload))
}

// beginTurn resets the per-turn accumulation, mirroring how agent handles
// reset their own response state at the start of each SendPrompt.
func (s *execLogSink) beginTurn() {
	s.mu.Lock()
	s.text.Reset()
	s.chunks = nil
	s.appends = 0
	s.mu.Unlock()
}

func (s *execLogSink) turnAppends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

// runTask is the per-task run loop. It executes for exactly
// one spawn and owns a single Execution record whose id is published into
// the running-map state so the UI can attach a live log stream.
func (e *Engine) runTask(ctx context.Context, taskID string) {
	task, err := e.cfg.Tasks.GetTask(taskID)
	if err != nil || task == nil {
		e.cfg.Logger.Printf("automation: run loop could not load task %s: %v", taskID, err)
		return
	}

	baseBranch := task.BaseBranch
	if baseBranch == "" {
		baseBranch = e.cfg.DefaultBaseBranch
	}

	worktreePath, err := e.cfg.Workspace.Create(taskID, baseBranch)
	if err != nil {
		e.handleWorkspaceError(taskID, err)
		return
	}

	identityName, identityEmail, _ := e.cfg.Workspace.Identity(worktreePath)

	exec, err := e.cfg.Executions.CreateExecution(taskID, uuid.NewString(), "auto")
	if err != nil {
		e.cfg.Logger.Printf("automation: create execution for task %s: %v", taskID, err)
		return
	}
	e.running.SetExecutionID(taskID, exec.ID)
	running := store.ExecutionRunning
	e.cfg.Executions.UpdateExecution(exec.ID, &running, nil, nil)

	sink := &execLogSink{execs: e.cfg.Executions, execID: exec.ID}

	var handle agent.Handle
	failed := false
	defer func() {
		if handle != nil {
			handle.Stop()
		}
		// Terminal execution status: the record must never be left RUNNING
		// after the session ends. Marking a cancelled session is the one
		// idempotent cleanup write cooperative cancellation still permits.
		final := store.ExecutionCompleted
		switch {
		case ctx.Err() != nil:
			final = store.ExecutionCancelled
		case failed:
			final = store.ExecutionFailed
		}
		now := time.Now()
		e.cfg.Executions.UpdateExecution(exec.ID, &final, nil, &now)
	}()

	maxIterations := e.t().MaxIterations
	for i := 1; i <= maxIterations; i++ {
		select {
		case <-ctx.Done():
			return // cooperative cancel: abandon this iteration, write nothing further
		default:
		}

		e.cfg.Tasks.IncrementTotalIterations(taskID)
		e.running.SetIteration(taskID, i)
		if e.cfg.Observer != nil {
			e.cfg.Observer.OnIterationProgress(taskID, i, maxIterations)
		}

		var queued []string
		for {
			msg, _ := e.cfg.Messages.TakeQueuedMessage(taskID, store.LaneImplementation)
			if msg == nil {
				break
			}
			queued = append(queued, msg.Content)
		}

		task, _ = e.cfg.Tasks.GetTask(taskID)
		prompt := prompts.BuildImplementationPrompt(task, i, identityName, identityEmail, queued)

		if handle == nil {
			h, err := e.newImplementationAgent(worktreePath)
			if err != nil {
				failed = true
				e.synthesizeBlocked(taskID, "Agent failed to start")
				return
			}
			h.SetTaskID(taskID)
			h.SetMessageTarget(sink)
			if err := h.Start(ctx); err != nil {
				failed = true
				e.synthesizeBlocked(taskID, "Agent failed to start")
				return
			}
			if err := h.WaitReady(e.cfg.AgentReadyTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				failed = true
				e.synthesizeBlocked(taskID, "Agent failed to start")
				return
			}
			// Published immediately after creation so UI attach races do
			// not miss the start.
			e.running.SetAgent(taskID, h)
			if e.cfg.Observer != nil {
				e.cfg.Observer.OnAutomationAgentAttached(taskID)
			}
			handle = h
		}

		sink.beginTurn()
		if err := handle.SendPrompt(prompt); err != nil {
			if ctx.Err() != nil {
				// Cancellation surfaced through the agent (e.g. SIGTERM on
				// the subprocess): dismissed, not an error. No status write.
				return
			}
			failed = true
			e.synthesizeBlocked(taskID, fmt.Sprintf("Agent error: %s", err))
			return
		}

		// Handles stream each chunk into the sink as it arrives; for one
		// that never published, persist the turn's chunks now so the log is
		// complete either way.
		if sink.turnAppends() == 0 {
			for _, chunk := range handle.GetMessages() {
				sink.Publish(taskID, chunk)
			}
		}

		responseText := handle.GetResponseText()
		signal := agent.ParseSignal(responseText)

		switch signal.Kind {
		case agent.SignalComplete:
			hasQueued, _ := e.cfg.Messages.GetQueueStatus(taskID, store.LaneImplementation)
			if hasQueued {
				// Follow-up queue contract: stay IN_PROGRESS and
				// re-enter admission (which parks the task in the
				// pending-spawn FIFO when no slot is free) rather than
				// moving to REVIEW, since new context arrived after COMPLETE.
				var followUps []string
				for {
					msg, _ := e.cfg.Messages.TakeQueuedMessage(taskID, store.LaneImplementation)
					if msg == nil {
						break
					}
					followUps = append(followUps, msg.Content)
				}
				e.appendScratchpad(taskID, "Follow-up received after completion:\n"+strings.Join(followUps, "\n"))
				// Mark for re-admission instead of publishing a spawn event
				// now: this runner's entry is still in the running map, so
				// an immediate request could be dropped as "already
				// running". The completion path re-enters admission after
				// removal.
				e.running.SetRespawn(taskID)
				return
			}
			e.handleComplete(ctx, taskID, exec.ID, worktreePath, baseBranch)
			return
		case agent.SignalBlocked:
			failed = true
			e.synthesizeBlocked(taskID, signal.Reason)
			return
		default:
			tail := responseText
			if len(tail) > 2000 {
				tail = tail[len(tail)-2000:]
			}
			e.appendScratchpad(taskID, tail)
			handle.ClearToolCalls()
			e.cfg.Clock.Sleep(ctx, e.t().IterationDelay)
		}
	}

	if ctx.Err() != nil {
		return
	}
	e.appendScratchpad(taskID, "MAX ITERATIONS reached without completion.")
	e.cfg.Tasks.SetStatus(taskID, store.StatusBacklog, "")
}

func (e *Engine) newImplementationAgent(worktreePath string) (agent.Handle, error) {
	h, err := e.cfg.AgentFactory.New(e.cfg.ImplementationIdentity, e.cfg.ImplementationAgent, worktreePath, false)
	if err != nil {
		return nil, err
	}
	h.SetAutoApprove(e.t().AutoApprove)
	if e.cfg.ModelOverride != nil {
		h.SetModelOverride(e.cfg.ModelOverride(e.cfg.ImplementationIdentity))
	}
	return h, nil
}

func (e *Engine) handleWorkspaceError(taskID string, err error) {
	msg := err.Error()
	switch err.(type) {
	case *git.ValidationError:
		e.notify(msg, "Workspace error", SeverityError)
	case *git.GitError:
		e.notify(msg, "Workspace error", SeverityError)
	default:
		e.notify(msg, "Unexpected workspace error", SeverityError)
	}
	e.cfg.Tasks.SetStatus(taskID, store.StatusBacklog, msg)
}

func (e *Engine) appendScratchpad(taskID, note string) {
	current, _ := e.cfg.Tasks.GetScratchpad(taskID)
	updated := strings.TrimSpace(current + "\n" + note)
	e.cfg.Tasks.UpdateScratchpad(taskID, updated)
}

func (e *Engine) synthesizeBlocked(taskID, reason string) {
	e.appendScratchpad(taskID, "BLOCKED: "+reason)
	e.cfg.Tasks.UpdateFields(taskID, store.TaskFieldUpdate{LastError: &reason, BlockReason: &reason})
	e.cfg.Tasks.SetStatus(taskID, store.StatusBacklog, reason)
}

func (e *Engine) notify(message, title string, severity Severity) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Notify(message, title, severity)
	}
}
