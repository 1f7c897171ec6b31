// Package stage invokes remote analysis stages over HTTP. Every call is
// bounded by a timeout and every failure is translated into a *Error, so
// callers never see raw transport errors.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBackoff = 250 * time.Millisecond
	maxResponseBytes    = 4 << 20
	maxErrorBodyBytes   = 512
)

// Options configures a Client.
type Options struct {
	// Timeout bounds each attempt. Zero or negative means DefaultTimeout.
	Timeout time.Duration

	// Retries is the number of extra attempts made after a transport
	// failure. Upstream failures are never retried.
	Retries int

	// RetryBackoff is the initial backoff interval between attempts.
	RetryBackoff time.Duration

	// Transport overrides the base round tripper. It is always wrapped
	// with otelhttp.
	Transport http.RoundTripper

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Client posts JSON payloads to stage endpoints.
type Client struct {
	httpClient   *http.Client
	timeout      time.Duration
	retries      int
	retryBackoff time.Duration
	tracer       trace.Tracer
}

// New creates a stage client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Client{
		httpClient:   &http.Client{Transport: otelhttp.NewTransport(base, otelhttp.WithTracerProvider(tp))},
		timeout:      opts.Timeout,
		retries:      opts.Retries,
		retryBackoff: opts.RetryBackoff,
		tracer:       tp.Tracer("github.com/linnemanlabs/vanguard/internal/stage"),
	}
}

// Invoke posts payload to url and decodes the response into out. out may
// be nil when the response body is not needed. The returned error, if any,
// is always a *Error.
func (c *Client) Invoke(ctx context.Context, stage, url string, payload, out any) error {
	ctx, span := c.tracer.Start(ctx, "stage.Invoke", trace.WithAttributes(
		attribute.String("vanguard.stage", stage),
		attribute.String("url.full", url),
	))
	defer span.End()

	err := c.invoke(ctx, stage, url, payload, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("vanguard.stage.error_kind", KindOf(err)))
	}
	return err
}

func (c *Client) invoke(ctx context.Context, stage, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Stage: stage, Kind: ErrTransport, Err: fmt.Errorf("encode request: %w", err)}
	}

	if c.retries == 0 {
		return c.attempt(ctx, stage, url, body, out)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.MaxInterval = 8 * c.retryBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := c.attempt(ctx, stage, url, body, out)
		if err != nil && !errors.Is(err, ErrTransport) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.retries+1))) //nolint:gosec // retries is non-negative
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return se
	}
	// context cancelled while waiting between attempts
	return &Error{Stage: stage, Kind: ErrTransport, Err: err}
}

func (c *Client) attempt(ctx context.Context, stage, url string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Stage: stage, Kind: ErrTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: stage URLs come from trusted config
	if err != nil {
		return &Error{Stage: stage, Kind: ErrTransport, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Stage: stage, Kind: ErrTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Stage:      stage,
			Kind:       ErrUpstream,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), maxErrorBodyBytes),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Stage: stage, Kind: ErrUpstream, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// truncate caps s at limit bytes without splitting a UTF-8 sequence.
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
