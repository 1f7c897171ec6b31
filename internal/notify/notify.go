// Package notify routes workflow notifications to delivery channels. It
// implements workflow.Notifier: delivery is asynchronous, rate limited and
// best effort, and failures are logged, counted and discarded.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

const (
	DefaultTimeout = 10 * time.Second

	fallbackLabel = "relay"
)

// delivery results, used as metric labels
const (
	resultSent     = "sent"
	resultFailed   = "failed"
	resultDropped  = "dropped"
	resultUnrouted = "unrouted"
)

// Sender delivers one notification. channels lists every channel the
// delivery is meant to cover, which matters only for senders serving more
// than one channel.
type Sender interface {
	Send(ctx context.Context, n *workflow.Notification, channels []string) error
}

// Options configures a Dispatcher.
type Options struct {
	// PerMinute caps notifications accepted per minute. Zero disables the
	// limit. Excess notifications are dropped.
	PerMinute int

	// Timeout bounds each delivery. Zero or negative means DefaultTimeout.
	Timeout time.Duration

	Logger  log.Logger
	Metrics *Metrics
}

// Dispatcher fans a notification out to the senders registered for its
// channels. Channels without a dedicated sender are handed to the fallback
// sender in a single call.
type Dispatcher struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	fallback Sender

	limiter *rate.Limiter
	timeout time.Duration
	logger  log.Logger
	metrics *Metrics

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with no senders.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		senders: make(map[string]Sender),
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.logger == nil {
		d.logger = log.Nop()
	}
	if opts.PerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(opts.PerMinute)/60), opts.PerMinute)
	}
	return d
}

// Register routes channel to s, replacing any previous sender.
func (d *Dispatcher) Register(channel string, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channel] = s
}

// SetFallback sets the sender for channels with no dedicated sender.
func (d *Dispatcher) SetFallback(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = s
}

type delivery struct {
	label    string
	sender   Sender
	channels []string
}

// Notify schedules delivery and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, n *workflow.Notification, channels []string) {
	if len(channels) == 0 {
		return
	}
	L := d.logger.With("alert_id", n.AlertID, "state", n.State)

	if d.limiter != nil && !d.limiter.Allow() {
		for _, ch := range channels {
			d.metrics.observe(ch, resultDropped)
		}
		L.Warn(ctx, "notification dropped by rate limit", "channels", channels)
		return
	}

	deliveries, unrouted := d.route(channels)
	for _, ch := range unrouted {
		d.metrics.observe(ch, resultUnrouted)
	}
	if len(unrouted) > 0 {
		L.Warn(ctx, "no sender for notification channels", "channels", unrouted)
	}

	ctx = context.WithoutCancel(ctx)
	for _, dl := range deliveries {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, L, n, dl)
		}()
	}
}

func (d *Dispatcher) route(channels []string) (deliveries []delivery, unrouted []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{}, len(channels))
	var rest []string
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		if s, ok := d.senders[ch]; ok {
			deliveries = append(deliveries, delivery{label: ch, sender: s, channels: []string{ch}})
			continue
		}
		rest = append(rest, ch)
	}

	if len(rest) > 0 {
		if d.fallback == nil {
			return deliveries, rest
		}
		deliveries = append(deliveries, delivery{label: fallbackLabel, sender: d.fallback, channels: rest})
	}
	return deliveries, nil
}

func (d *Dispatcher) deliver(ctx context.Context, L log.Logger, n *workflow.Notification, dl delivery) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := dl.sender.Send(ctx, n, dl.channels); err != nil {
		d.metrics.observe(dl.label, resultFailed)
		L.Warn(ctx, "notification delivery failed", "sender", dl.label, "channels", dl.channels, "error", err)
		return
	}
	d.metrics.observe(dl.label, resultSent)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns notification metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_notifications_total",
			Help: "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
	}
	reg.MustRegister(m.NotificationsTotal)
	return m
}

func (m *Metrics) observe(channel, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, result).Inc()
}
