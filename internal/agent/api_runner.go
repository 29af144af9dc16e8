package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kagan-dev/kagan/internal/config"
)

// APIHandle drives a hosted LLM API directly, one request per SendPrompt
// call. responseText/messages hold only the most recent turn's output,
// reset at the start of each SendPrompt, so the run loop's per-iteration
// GetMessages()/GetResponseText() never re-observes a prior turn's text.
type APIHandle struct {
	identity string
	cfg      config.Agent
	workDir  string
	readOnly bool
	apiKey   string
	client   *http.Client

	mu            sync.Mutex
	autoApprove   bool
	modelOverride string
	taskID        string
	target        MessageSink
	responseText  strings.Builder
	messages      []string
	toolCalls     []string

	cancelFn context.CancelFunc
	stopOnce sync.Once
}

// NewAPIHandle validates the configured API key is present and returns a
// handle ready to Start.
func NewAPIHandle(identity string, cfg config.Agent, workDir string, readOnly bool) (*APIHandle, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("agent %s: environment variable %s is not set", identity, cfg.APIKeyEnv)
	}
	return &APIHandle{
		identity: identity,
		cfg:      cfg,
		workDir:  workDir,
		readOnly: readOnly,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: cfg.DefaultTimeout()},
	}, nil
}

func (h *APIHandle) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	h.cancelFn = cancel
	return nil
}

func (h *APIHandle) WaitReady(timeout time.Duration) error { return nil }

func (h *APIHandle) Cancel() {
	if h.cancelFn != nil {
		h.cancelFn()
	}
}

func (h *APIHandle) Stop() error {
	h.stopOnce.Do(func() {
		if h.cancelFn != nil {
			h.cancelFn()
		}
	})
	return nil
}

func (h *APIHandle) SendPrompt(text string) error {
	ctx := context.Background()

	h.mu.Lock()
	h.responseText.Reset()
	h.messages = nil
	h.mu.Unlock()

	var output string
	var err error
	switch h.cfg.Provider {
	case "openai":
		output, err = h.callOpenAI(ctx, text)
	case "anthropic":
		output, err = h.callAnthropic(ctx, text)
	case "google":
		output, err = h.callGoogle(ctx, text)
	default:
		return fmt.Errorf("agent %s: unsupported API provider: %s", h.identity, h.cfg.Provider)
	}
	if err != nil {
		return fmt.Errorf("agent %s: %w", h.identity, err)
	}

	h.mu.Lock()
	h.responseText.WriteString(output)
	h.messages = append(h.messages, output)
	taskID := h.taskID
	target := h.target
	h.mu.Unlock()

	if target != nil {
		target.Publish(taskID, output)
	}
	return nil
}

func (h *APIHandle) callOpenAI(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":      h.cfg.Model,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens": 4096,
	}
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := h.post(ctx, "https://api.openai.com/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + h.apiKey,
	}, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return result.Choices[0].Message.Content, nil
}

func (h *APIHandle) callAnthropic(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":      h.cfg.Model,
		"max_tokens": 4096,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := h.post(ctx, "https://api.anthropic.com/v1/messages", body, map[string]string{
		"x-api-key":         h.apiKey,
		"anthropic-version": "2023-06-01",
	}, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	return result.Content[0].Text, nil
}

func (h *APIHandle) callGoogle(ctx context.Context, prompt string) (string, error) {
	model := h.cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", model, h.apiKey)
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}
	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := h.post(ctx, url, body, nil, &result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

func (h *APIHandle) post(ctx context.Context, url string, body any, headers map[string]string, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (h *APIHandle) SetAutoApprove(auto bool) {
	h.mu.Lock()
	h.autoApprove = auto
	h.mu.Unlock()
}

func (h *APIHandle) SetModelOverride(model string) {
	h.mu.Lock()
	h.modelOverride = model
	h.mu.Unlock()
}

func (h *APIHandle) SetTaskID(taskID string) {
	h.mu.Lock()
	h.taskID = taskID
	h.mu.Unlock()
}

func (h *APIHandle) GetResponseText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseText.String()
}

func (h *APIHandle) GetMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *APIHandle) ClearToolCalls() {
	h.mu.Lock()
	h.toolCalls = nil
	h.mu.Unlock()
}

func (h *APIHandle) SetMessageTarget(target MessageSink) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
}
