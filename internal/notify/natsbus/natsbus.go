// Package natsbus publishes workflow notifications as events on NATS so
// other services can react to completed or aborted workflows.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

// DefaultSubject prefixes every event subject; the workflow state is
// appended, e.g. "vanguard.workflow.completed".
const DefaultSubject = "vanguard.workflow"

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// event is the published payload.
type event struct {
	*workflow.Notification
	Channels []string `json:"channels"`
}

// Sender publishes notifications to NATS.
type Sender struct {
	pub     Publisher
	subject string
}

// Connect dials url with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("vanguard"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// New creates a sender publishing under subject (DefaultSubject if empty).
func New(pub Publisher, subject string) *Sender {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Sender{pub: pub, subject: subject}
}

// Send publishes n. The Nats-Msg-Id is derived from the alert and state,
// so a retried publish of the same event is dropped by JetStream dedup.
func (s *Sender) Send(ctx context.Context, n *workflow.Notification, channels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event{Notification: n, Channels: channels})
	if err != nil {
		return fmt.Errorf("natsbus: marshal event: %w", err)
	}

	msg := nats.NewMsg(s.subject + "." + string(n.State))
	msg.Header.Set(nats.MsgIdHdr, messageID(n))
	msg.Header.Set("Vanguard-Alert-Id", n.AlertID)
	msg.Data = data

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", msg.Subject, err)
	}
	return nil
}

func messageID(n *workflow.Notification) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(n.AlertID+"."+string(n.State))).String()
}
