// Package relay hands notifications to the remote notifications service,
// which owns delivery for channels vanguard has no direct sender for.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

// request is the notifications service contract.
type request struct {
	Message  string   `json:"message"`
	Channels []string `json:"channels"`
}

// Sender posts {message, channels} to the notifications service.
type Sender struct {
	url    string
	token  string
	client *http.Client
}

// New creates a relay sender. token, when set, is sent as a bearer token.
// A nil client means http.DefaultClient.
func New(url, token string, client *http.Client) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sender{url: url, token: token, client: client}
}

// Send relays the plain-text rendering of n for all channels in one call.
func (s *Sender) Send(ctx context.Context, n *workflow.Notification, channels []string) error {
	body, err := json.Marshal(request{Message: n.Text(), Channels: channels})
	if err != nil {
		return fmt.Errorf("relay: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req) //nolint:gosec // url is from trusted config
	if err != nil {
		return fmt.Errorf("relay: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay: notifications service returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
