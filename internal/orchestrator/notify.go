package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Notifier announces a terminal attempt result.
type Notifier interface {
	Notify(ctx context.Context, res *pipeline.StageResult) error
}

// maxNotifyErrors caps the error lines included in a notification.
const maxNotifyErrors = 5

// Telegram posts results to a chat through the Bot API. A result identical
// to the last one sent is not repeated.
type Telegram struct {
	cfg    config.TelegramConfig
	http   *http.Client
	redact *pipeline.Redactor

	mu   sync.Mutex
	last string
}

// NewTelegram creates a Telegram notifier. hc may be nil.
func NewTelegram(cfg config.TelegramConfig, hc *http.Client, redact *pipeline.Redactor) *Telegram {
	if hc == nil {
		hc = http.DefaultClient
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if redact == nil {
		redact = pipeline.NewRedactor()
	}
	redact.Add(strings.TrimSpace(cfg.BotToken))
	return &Telegram{cfg: cfg, http: hc, redact: redact}
}

// Message renders the notification text for res.
func Message(res *pipeline.StageResult) string {
	lines := []string{
		"Bridge: " + strings.ToUpper(string(res.Status)),
		"Task: " + res.Task,
		"Commit: " + shortCommit(res.Commit),
		"Stage: " + res.Stage,
	}
	if res.Detail != nil && res.Detail.CheckSet != "" {
		lines = append(lines, "Check set: "+res.Detail.CheckSet)
	}
	lines = append(lines, "Next action: "+string(res.NextAction))
	if len(res.Errors) > 0 {
		lines = append(lines, "Errors:")
		for i, e := range res.Errors {
			if i == maxNotifyErrors {
				break
			}
			lines = append(lines, "- "+e)
		}
	}
	return strings.Join(lines, "\n")
}

// Notify sends res. It does nothing when the notifier is disabled or the
// bot token or chat id is missing.
func (t *Telegram) Notify(ctx context.Context, res *pipeline.StageResult) error {
	token := strings.TrimSpace(t.cfg.BotToken)
	chat := strings.TrimSpace(t.cfg.ChatID)
	if !t.cfg.Enabled || token == "" || chat == "" {
		return nil
	}

	text := Message(res)
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == t.last {
		return nil
	}

	body, err := json.Marshal(map[string]string{"chat_id": chat, "text": text})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}
	url := strings.TrimRight(t.cfg.APIBase, "/") + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %s", t.redact.Redact(err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %s", t.redact.Redact(err.Error()))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram send: HTTP %d", resp.StatusCode)
	}
	t.last = text
	return nil
}
