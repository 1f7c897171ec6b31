// Package slack posts workflow notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

const (
	maxSummaryLen = 3000
	maxActions    = 10
)

// Sender posts notifications to one Slack webhook.
type Sender struct {
	webhookURL string
	client     *http.Client
}

// New creates a Slack sender. A nil client means http.DefaultClient; the
// dispatcher bounds each send with its own timeout.
func New(webhookURL string, client *http.Client) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sender{webhookURL: webhookURL, client: client}
}

// Send posts n as a block-kit message. channels is ignored: the webhook
// decides where the message lands.
func (s *Sender) Send(ctx context.Context, n *workflow.Notification, _ []string) error {
	body, err := json.Marshal(buildMessage(n))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(n *workflow.Notification) map[string]any {
	blocks := []map[string]any{
		headerBlock(n),
		{"type": "divider"},
		fieldsBlock(n),
		{"type": "divider"},
	}
	if n.State == workflow.StateAborted {
		blocks = append(blocks, mrkdwnSection("*Error*\n\n"+truncate(n.Error, maxSummaryLen)))
	} else {
		blocks = append(blocks, summaryBlock(n), actionsBlock(n))
	}
	blocks = append(blocks, contextBlock(n))

	// text is the fallback shown in push notifications
	return map[string]any{"text": headerText(n), "blocks": blocks}
}

func headerText(n *workflow.Notification) string {
	if n.State == workflow.StateAborted {
		return fmt.Sprintf("%s Alert processing failed: %s", severityEmoji(n), n.EventType)
	}
	return fmt.Sprintf("%s Security alert processed: %s", severityEmoji(n), n.EventType)
}

func headerBlock(n *workflow.Notification) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": headerText(n)},
	}
}

func fieldsBlock(n *workflow.Notification) map[string]any {
	field := func(k, v string) map[string]any {
		if v == "" {
			v = "-"
		}
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", k, v)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Source", n.Source),
			field("State", string(n.State)),
			field("Severity", string(n.Severity)),
			field("Category", n.Category),
			field("Remediation", string(n.RemediationStatus)),
		},
	}
}

func summaryBlock(n *workflow.Notification) map[string]any {
	text := truncate(n.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}
	return mrkdwnSection("*Investigation*\n\n" + text)
}

func actionsBlock(n *workflow.Notification) map[string]any {
	if len(n.RecommendedActions) == 0 {
		return mrkdwnSection("*Recommended actions*\n\n_None._")
	}
	actions := n.RecommendedActions
	more := 0
	if len(actions) > maxActions {
		more = len(actions) - maxActions
		actions = actions[:maxActions]
	}
	text := "• " + strings.Join(actions, "\n• ")
	if more > 0 {
		text += fmt.Sprintf("\n_and %d more_", more)
	}
	return mrkdwnSection("*Recommended actions*\n\n" + text)
}

func contextBlock(n *workflow.Notification) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("vanguard • alert %s • %s", n.AlertID, n.Timestamp.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func mrkdwnSection(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func severityEmoji(n *workflow.Notification) string {
	if n.State == workflow.StateAborted {
		return "\U0001f534" // red circle
	}
	switch n.Severity {
	case workflow.SeverityHigh:
		return "\U0001f534" // red circle
	case workflow.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
