package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kagan-dev/kagan/internal/config"
)

// CLIHandle drives an external CLI process (claude, gemini, codex, etc.)
// one turn at a time: each SendPrompt spawns a fresh process, feeds it the
// prompt on stdin, and blocks until that process exits, so the process
// exit itself is the end-of-turn signal the run loop waits on. This
// mirrors how non-interactive CLI agents are actually invoked (claude
// --print runs one prompt to completion and exits).
type CLIHandle struct {
	identity string
	cfg      config.Agent
	workDir  string
	readOnly bool

	mu            sync.Mutex
	autoApprove   bool
	modelOverride string
	taskID        string
	target        MessageSink

	// responseText/messages hold only the current (or most recently
	// completed) turn's output; SendPrompt resets both before spawning the
	// turn's process so the run loop's per-iteration GetMessages() never
	// re-observes a prior turn's chunks.
	responseText strings.Builder
	messages     []string
	toolCalls    []string

	baseCtx       context.Context
	currentCancel context.CancelFunc
	stopped       bool

	ready    chan struct{}
	readyErr error

	stopOnce sync.Once
}

// NewCLIHandle creates a handle for a CLI-mode agent; no process is spawned
// until the first SendPrompt.
func NewCLIHandle(identity string, cfg config.Agent, workDir string, readOnly bool) *CLIHandle {
	return &CLIHandle{
		identity: identity,
		cfg:      cfg,
		workDir:  workDir,
		readOnly: readOnly,
		ready:    make(chan struct{}),
	}
}

// Start records the parent context each turn's process is derived from and
// verifies the CLI binary is reachable; it does not itself spawn anything.
func (h *CLIHandle) Start(ctx context.Context) error {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()

	if !CLIAvailable(h.cfg.Cmd) {
		h.readyErr = fmt.Errorf("agent %s: command %q not found in PATH", h.identity, h.cfg.Cmd)
		close(h.ready)
		return h.readyErr
	}
	close(h.ready)
	return nil
}

func (h *CLIHandle) WaitReady(timeout time.Duration) error {
	select {
	case <-h.ready:
		return h.readyErr
	case <-time.After(timeout):
		return fmt.Errorf("agent %s: timed out waiting for readiness", h.identity)
	}
}

// SendPrompt runs one turn to completion: it spawns the CLI process, writes
// the prompt to its stdin, drains stdout into responseText/messages, and
// only returns once the process has exited. Callers may safely read
// GetResponseText/GetMessages immediately after SendPrompt returns.
func (h *CLIHandle) SendPrompt(text string) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return fmt.Errorf("agent %s: stopped", h.identity)
	}
	baseCtx := h.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	args := h.cfg.EffectiveArgs()
	if h.modelOverride != "" {
		args = append([]string{"--model", h.modelOverride}, args...)
	}
	if h.readOnly {
		args = append(args, "--read-only")
	}
	h.responseText.Reset()
	h.messages = nil
	h.mu.Unlock()

	procCtx, cancel := context.WithCancel(baseCtx)
	h.mu.Lock()
	h.currentCancel = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.currentCancel = nil
		h.mu.Unlock()
		cancel()
	}()

	cmd := exec.CommandContext(procCtx, h.cfg.Cmd, args...)
	cmd.Dir = h.workDir
	cmd.Stdin = strings.NewReader(text + "\n")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent %s: stdout pipe: %w", h.identity, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent %s: start: %w", h.identity, err)
	}

	// Reads from the pipe must finish before Wait is called, or Wait can
	// close the pipe out from under the scanner.
	h.readLoop(stdout)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent %s: send prompt: %w", h.identity, err)
	}
	return nil
}

func (h *CLIHandle) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		chunk := scanner.Text()
		h.mu.Lock()
		h.responseText.WriteString(chunk)
		h.responseText.WriteString("\n")
		h.messages = append(h.messages, chunk)
		taskID := h.taskID
		target := h.target
		h.mu.Unlock()

		if target != nil {
			target.Publish(taskID, chunk)
		}
	}
}

// Cancel forcibly stops the in-flight turn's process, used for
// cooperative-cancellation interrupts (stop_task).
func (h *CLIHandle) Cancel() {
	h.mu.Lock()
	cancel := h.currentCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop is idempotent: it cancels any in-flight turn and marks the handle so
// future SendPrompt calls fail fast instead of spawning a new process.
func (h *CLIHandle) Stop() error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		cancel := h.currentCancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

func (h *CLIHandle) SetAutoApprove(auto bool) {
	h.mu.Lock()
	h.autoApprove = auto
	h.mu.Unlock()
}

func (h *CLIHandle) SetModelOverride(model string) {
	h.mu.Lock()
	h.modelOverride = model
	h.mu.Unlock()
}

func (h *CLIHandle) SetTaskID(taskID string) {
	h.mu.Lock()
	h.taskID = taskID
	h.mu.Unlock()
}

func (h *CLIHandle) GetResponseText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseText.String()
}

func (h *CLIHandle) GetMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *CLIHandle) ClearToolCalls() {
	h.mu.Lock()
	h.toolCalls = nil
	h.mu.Unlock()
}

func (h *CLIHandle) SetMessageTarget(target MessageSink) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
