package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Notifier announces workflow completion or abort. Implementations must
// not block the caller and never report failure: delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n *Notification, channels []string)
}

// Notification summarizes a finished workflow for human channels.
type Notification struct {
	AlertID            string            `json:"alert_id"`
	State              State             `json:"state"`
	Source             string            `json:"source"`
	EventType          string            `json:"event_type"`
	Severity           Severity          `json:"severity,omitempty"`
	Category           string            `json:"category,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	RemediationStatus  RemediationStatus `json:"remediation_status,omitempty"`
	Error              string            `json:"error,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Text renders the notification as a plain-text message.
func (n *Notification) Text() string {
	if n.State == StateAborted {
		return fmt.Sprintf("Error processing alert from %s: %s", n.Source, n.Error)
	}

	summary := n.Summary
	if summary == "" {
		summary = "No summary available"
	}
	actions := "No actions recommended"
	if len(n.RecommendedActions) > 0 {
		actions = "- " + strings.Join(n.RecommendedActions, "\n- ")
	}

	var b strings.Builder
	b.WriteString("New Security Alert Processed:\n")
	fmt.Fprintf(&b, "- Alert ID: %s\n", n.AlertID)
	fmt.Fprintf(&b, "- Source: %s\n", n.Source)
	fmt.Fprintf(&b, "- Type: %s\n", n.EventType)
	fmt.Fprintf(&b, "- Severity: %s\n", n.Severity)
	fmt.Fprintf(&b, "- Category: %s\n", n.Category)
	if n.RemediationStatus != "" {
		fmt.Fprintf(&b, "- Remediation: %s\n", n.RemediationStatus)
	}
	fmt.Fprintf(&b, "\nInvestigation Findings:\n%s\n", summary)
	fmt.Fprintf(&b, "\nRecommended Actions:\n%s\n", actions)
	return b.String()
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *Notification, []string) {}
