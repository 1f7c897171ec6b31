package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type echoReq struct {
	Value string `json:"value"`
}

type echoResp struct {
	Echo string `json:"echo"`
}

func TestInvoke_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q, want application/json", ct)
		}
		var in echoReq
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(echoResp{Echo: in.Value})
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second})
	var out echoResp
	if err := c.Invoke(context.Background(), "echo", srv.URL, echoReq{Value: "hi"}, &out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Echo != "hi" {
		t.Errorf("Echo = %q, want hi", out.Echo)
	}
}

func TestInvoke_NonSuccessStatusIsUpstream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(Options{Timeout: time.Second}).Invoke(context.Background(), "triage", srv.URL, echoReq{}, nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("err is not *Error: %T", err)
	}
	if se.Stage != "triage" {
		t.Errorf("Stage = %q, want triage", se.Stage)
	}
	if se.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", se.StatusCode)
	}
	if !strings.Contains(se.Body, "boom") {
		t.Errorf("Body = %q, want to contain boom", se.Body)
	}
}

func TestInvoke_LongErrorBodyStaysValidUTF8(t *testing.T) {
	t.Parallel()

	// one ASCII byte shifts every 3-byte rune so the cut lands mid-sequence
	body := "x" + strings.Repeat("é€", 400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	err := New(Options{Timeout: time.Second}).Invoke(context.Background(), "triage", srv.URL, echoReq{}, nil)
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if len(se.Body) > maxErrorBodyBytes {
		t.Errorf("len(Body) = %d, want <= %d", len(se.Body), maxErrorBodyBytes)
	}
	if !strings.HasSuffix(se.Body, "...") {
		t.Errorf("Body = %q, want ... suffix", se.Body)
	}
	if !utf8.ValidString(se.Body) {
		t.Errorf("Body is not valid UTF-8: %q", se.Body)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "abc", 10, "abc"},
		{"exact", "abcdef", 6, "abcdef"},
		{"ascii", "abcdefgh", 6, "abc..."},
		{"backs off multibyte", "ab€def", 6, "ab..."},
		{"keeps whole rune", "éééé", 7, "éé..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := truncate(tt.in, tt.limit); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestInvoke_UndecodableResponseIsUpstream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out echoResp
	err := New(Options{Timeout: time.Second}).Invoke(context.Background(), "echo", srv.URL, echoReq{}, &out)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestInvoke_UnreachableIsTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(Options{Timeout: time.Second}).Invoke(context.Background(), "echo", url, echoReq{}, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestInvoke_TimeoutIsTransport(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := New(Options{Timeout: 50 * time.Millisecond}).Invoke(context.Background(), "slow", srv.URL, echoReq{}, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want to wrap context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Invoke took %v, timeout not enforced", elapsed)
	}
}

func TestInvoke_RetriesTransportFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		_ = json.NewEncoder(w).Encode(echoResp{Echo: "third time"})
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second, Retries: 3, RetryBackoff: time.Millisecond})
	var out echoResp
	if err := c.Invoke(context.Background(), "flaky", srv.URL, echoReq{}, &out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if out.Echo != "third time" {
		t.Errorf("Echo = %q, want %q", out.Echo, "third time")
	}
}

func TestInvoke_DoesNotRetryUpstreamFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second, Retries: 3, RetryBackoff: time.Millisecond})
	err := c.Invoke(context.Background(), "down", srv.URL, echoReq{}, nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestInvoke_NoRetryByDefault(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	err := New(Options{Timeout: time.Second}).Invoke(context.Background(), "flaky", srv.URL, echoReq{}, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestInvoke_UnencodablePayload(t *testing.T) {
	t.Parallel()

	err := New(Options{}).Invoke(context.Background(), "x", "http://127.0.0.1:0", map[string]any{"c": make(chan int)}, nil)
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *Error", err)
	}
}

func TestInvoke_RecordsErrorSpan(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_ = New(Options{Timeout: time.Second, TracerProvider: tp}).Invoke(context.Background(), "triage", srv.URL, echoReq{}, nil)

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "stage.Invoke" {
			continue
		}
		found = true
		if s.Status().Code != codes.Error {
			t.Errorf("span status = %v, want Error", s.Status().Code)
		}
	}
	if !found {
		t.Fatal("no stage.Invoke span recorded")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"transport", &Error{Stage: "a", Kind: ErrTransport}, "transport"},
		{"upstream", &Error{Stage: "a", Kind: ErrUpstream, StatusCode: 500}, "upstream"},
		{"wrapped upstream", errors.Join(errors.New("ctx"), &Error{Kind: ErrUpstream}), "upstream"},
		{"other", errors.New("x"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestEndpoint_Invoke(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"echo":"pong"}`))
	}))
	defer srv.Close()

	ep := NewEndpoint[*echoReq, *echoResp](New(Options{Timeout: time.Second}), "echo", srv.URL)
	if ep.Name() != "echo" {
		t.Errorf("Name = %q, want echo", ep.Name())
	}
	out, err := ep.Invoke(context.Background(), &echoReq{Value: "ping"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out == nil || out.Echo != "pong" {
		t.Errorf("out = %+v, want echo=pong", out)
	}
}

func TestEndpoint_InvokeErrorReturnsZero(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	ep := NewEndpoint[*echoReq, *echoResp](New(Options{Timeout: time.Second}), "echo", srv.URL)
	out, err := ep.Invoke(context.Background(), &echoReq{})
	if err == nil {
		t.Fatal("expected error")
	}
	if out != nil {
		t.Errorf("out = %+v, want nil", out)
	}
}
