package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds application settings. Every field is bound to a flag and
// filled from VANGUARD_* environment variables by main.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL       string
	RedisURL          string
	RetentionHours    int
	MemstoreMaxAlerts int

	TriageURL        string
	ThreatIntelURL   string
	InvestigationURL string
	RemediationURL   string

	StageTimeoutSeconds int
	StageRetries        int
	EnrichBatchSize     int

	NotificationsURL    string
	NotificationsToken  string
	SlackWebhookURL     string
	NATSURL             string
	NATSSubject         string
	NotifyChannels      string
	NotifyErrorChannels string
	NotifyPerMinute     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted on /api/v1")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over redis-url)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis connection URL (empty with no database-url = in-memory store)")
	fs.IntVar(&c.RetentionHours, "retention-hours", 24*7, "hours a workflow record is kept after its last write (0 = forever)")
	fs.IntVar(&c.MemstoreMaxAlerts, "memstore-max-alerts", 10000, "maximum records held by the in-memory store")

	fs.StringVar(&c.TriageURL, "triage-url", "", "triage stage endpoint")
	fs.StringVar(&c.ThreatIntelURL, "threat-intel-url", "", "threat intelligence stage endpoint")
	fs.StringVar(&c.InvestigationURL, "investigation-url", "", "investigation stage endpoint")
	fs.StringVar(&c.RemediationURL, "remediation-url", "", "remediation stage endpoint")

	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 30, "per-call timeout for stage requests (1..600)")
	fs.IntVar(&c.StageRetries, "stage-retries", 0, "retries on stage transport failures (0..10)")
	fs.IntVar(&c.EnrichBatchSize, "enrich-batch-size", 0, "indicators per threat intel call, sent concurrently (0 = one call)")

	fs.StringVar(&c.NotificationsURL, "notifications-url", "", "notifications relay endpoint for channels without a dedicated sender")
	fs.StringVar(&c.NotificationsToken, "notifications-token", "", "bearer token for the notifications relay")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for the slack channel")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for the nats channel")
	fs.StringVar(&c.NATSSubject, "nats-subject", "vanguard.workflow", "NATS subject prefix for workflow events")
	fs.StringVar(&c.NotifyChannels, "notify-channels", "slack,email", "comma-separated channels notified on completion")
	fs.StringVar(&c.NotifyErrorChannels, "notify-error-channels", "slack", "comma-separated channels notified on abort")
	fs.IntVar(&c.NotifyPerMinute, "notify-per-minute", 60, "maximum notifications per minute (0 = unlimited)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if len(c.APITokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.RetentionHours < 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_HOURS %d (must be >= 0)", c.RetentionHours))
	}
	if c.MemstoreMaxAlerts <= 0 {
		errs = append(errs, fmt.Errorf("invalid MEMSTORE_MAX_ALERTS %d (must be > 0)", c.MemstoreMaxAlerts))
	}

	// every stage endpoint is mandatory
	for _, s := range []struct{ name, val string }{
		{"TRIAGE_URL", c.TriageURL},
		{"THREAT_INTEL_URL", c.ThreatIntelURL},
		{"INVESTIGATION_URL", c.InvestigationURL},
		{"REMEDIATION_URL", c.RemediationURL},
	} {
		if s.val == "" {
			errs = append(errs, fmt.Errorf("%s is required", s.name))
			continue
		}
		if err := checkHTTPURL(s.val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", s.name, err))
		}
	}
	for _, s := range []struct{ name, val string }{
		{"NOTIFICATIONS_URL", c.NotificationsURL},
		{"SLACK_WEBHOOK_URL", c.SlackWebhookURL},
	} {
		if s.val == "" {
			continue
		}
		if err := checkHTTPURL(s.val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", s.name, err))
		}
	}

	if c.StageTimeoutSeconds <= 0 || c.StageTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STAGE_TIMEOUT_SECONDS %d (must be 1..600)", c.StageTimeoutSeconds))
	}
	if c.StageRetries < 0 || c.StageRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid STAGE_RETRIES %d (must be 0..10)", c.StageRetries))
	}
	if c.EnrichBatchSize < 0 {
		errs = append(errs, fmt.Errorf("invalid ENRICH_BATCH_SIZE %d (must be >= 0)", c.EnrichBatchSize))
	}
	if c.NotifyPerMinute < 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_PER_MINUTE %d (must be >= 0)", c.NotifyPerMinute))
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// APITokens returns the accepted bearer tokens.
func (c *Config) APITokens() []string { return splitList(c.APIToken) }

// Channels returns the channels notified on completion.
func (c *Config) Channels() []string { return splitList(c.NotifyChannels) }

// ErrorChannels returns the channels notified on abort.
func (c *Config) ErrorChannels() []string { return splitList(c.NotifyErrorChannels) }

// Retention returns the record retention; zero keeps records forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// StageTimeout returns the per-call stage timeout.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
