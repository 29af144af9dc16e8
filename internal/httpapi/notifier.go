package httpapi

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kagan-dev/kagan/internal/automation"
)

// WebhookNotifier implements automation.Notifier by POSTing a JSON payload
// to a configured URL. Best-effort: a delivery failure is logged and
// otherwise ignored, matching the Notifier contract's "never blocks the
// worker loop on delivery" requirement.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// NewWebhookNotifier builds a notifier that posts to url. An empty url
// makes every Notify call a no-op, for setups with no external listener.
func NewWebhookNotifier(url string, logger *log.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

type webhookPayload struct {
	Message  string `json:"message"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
}

func (n *WebhookNotifier) Notify(message, title string, severity automation.Severity) {
	if n.url == "" {
		return
	}
	body, err := json.Marshal(webhookPayload{Message: message, Title: title, Severity: string(severity)})
	if err != nil {
		n.logger.Printf("webhook notifier: marshal payload: %v", err)
		return
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Printf("webhook notifier: deliver to %s: %v", n.url, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Printf("webhook notifier: %s responded %s", n.url, resp.Status)
	}
}

var _ automation.Notifier = (*WebhookNotifier)(nil)
