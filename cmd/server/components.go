package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vanguard/internal/alert"
	vc "github.com/linnemanlabs/vanguard/internal/cfg"
	"github.com/linnemanlabs/vanguard/internal/notify"
	"github.com/linnemanlabs/vanguard/internal/notify/natsbus"
	"github.com/linnemanlabs/vanguard/internal/notify/relay"
	"github.com/linnemanlabs/vanguard/internal/notify/slack"
	"github.com/linnemanlabs/vanguard/internal/postgres"
	"github.com/linnemanlabs/vanguard/internal/stage"
	"github.com/linnemanlabs/vanguard/internal/workflow"
	"github.com/linnemanlabs/vanguard/internal/workflow/memstore"
	"github.com/linnemanlabs/vanguard/internal/workflow/pgstore"
	"github.com/linnemanlabs/vanguard/internal/workflow/redisstore"
)

// janitorInterval is how often expired postgres rows are purged.
const janitorInterval = 10 * time.Minute

// app owns the workflow service and everything it holds open.
type app struct {
	service    *workflow.Service
	dispatcher *notify.Dispatcher
	closers    []func()
}

// newApp builds the store, notification dispatch, stage endpoints and
// workflow service. On error everything opened so far is closed.
func newApp(ctx context.Context, appCfg *vc.Config, reg prometheus.Registerer, L log.Logger) (*app, error) {
	a := &app{}

	store, closeStore, err := openStore(ctx, appCfg, L)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	d, closeNotify, err := newDispatcher(ctx, appCfg, reg, L)
	if err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = d
	a.closers = append(a.closers, closeNotify)

	pipeline := workflow.NewPipeline(newStages(appCfg), store, a.dispatcher, L, workflow.NewMetrics(reg).Hooks(), workflow.PipelineOptions{
		EnrichBatchSize: appCfg.EnrichBatchSize,
		Channels:        appCfg.Channels(),
		ErrorChannels:   appCfg.ErrorChannels(),
	})
	a.service = workflow.NewService(store, pipeline, L)

	L.Info(ctx, "workflow service ready",
		"triage_url", appCfg.TriageURL,
		"threat_intel_url", appCfg.ThreatIntelURL,
		"investigation_url", appCfg.InvestigationURL,
		"remediation_url", appCfg.RemediationURL,
		"stage_timeout_seconds", appCfg.StageTimeoutSeconds,
		"stage_retries", appCfg.StageRetries,
		"enrich_batch_size", appCfg.EnrichBatchSize,
		"notify_channels", appCfg.NotifyChannels,
		"notify_error_channels", appCfg.NotifyErrorChannels,
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openStore selects the record store: postgres, then redis, then memory.
// The returned closer releases connections and is never nil.
func openStore(ctx context.Context, appCfg *vc.Config, L log.Logger) (workflow.Store, func(), error) {
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool, appCfg.Retention())
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			st.RunJanitor(jctx, janitorInterval, L)
		}()
		L.Info(ctx, "using postgres store", "retention_hours", appCfg.RetentionHours)
		return st, func() {
			cancel()
			<-done
			pool.Close()
		}, nil

	case appCfg.RedisURL != "":
		rdb, err := redisstore.Dial(ctx, appCfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		L.Info(ctx, "using redis store", "retention_hours", appCfg.RetentionHours)
		return redisstore.New(rdb, appCfg.Retention()), func() { _ = rdb.Close() }, nil

	default:
		L.Info(ctx, "using in-memory store (no database-url or redis-url configured)",
			"max_alerts", appCfg.MemstoreMaxAlerts)
		return memstore.New(appCfg.MemstoreMaxAlerts, appCfg.Retention()), func() {}, nil
	}
}

// newStages binds the four stage endpoints to one shared client.
func newStages(appCfg *vc.Config) workflow.Stages {
	client := stage.New(stage.Options{
		Timeout: appCfg.StageTimeout(),
		Retries: appCfg.StageRetries,
	})
	return workflow.Stages{
		Triage:        stage.NewEndpoint[*alert.Alert, *workflow.TriageResult](client, workflow.StageTriage, appCfg.TriageURL),
		ThreatIntel:   stage.NewEndpoint[*workflow.EnrichRequest, *workflow.ThreatIntelResult](client, workflow.StageThreatIntel, appCfg.ThreatIntelURL),
		Investigation: stage.NewEndpoint[*workflow.InvestigationRequest, *workflow.InvestigationResult](client, workflow.StageInvestigation, appCfg.InvestigationURL),
		Remediation:   stage.NewEndpoint[*workflow.RemediationRequest, *workflow.RemediationResult](client, workflow.StageRemediation, appCfg.RemediationURL),
	}
}

// newDispatcher registers a sender for every configured channel. Channels
// without a dedicated sender go to the relay when one is configured.
// The returned closer drains the NATS connection, if any.
func newDispatcher(ctx context.Context, appCfg *vc.Config, reg prometheus.Registerer, L log.Logger) (*notify.Dispatcher, func(), error) {
	d := notify.NewDispatcher(notify.Options{
		PerMinute: appCfg.NotifyPerMinute,
		Logger:    L,
		Metrics:   notify.NewMetrics(reg),
	})
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	closer := func() {}

	if appCfg.SlackWebhookURL != "" {
		d.Register("slack", slack.New(appCfg.SlackWebhookURL, httpClient))
		L.Info(ctx, "notifier enabled", "channel", "slack")
	}
	if appCfg.NATSURL != "" {
		nc, err := natsbus.Connect(appCfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		d.Register("nats", natsbus.New(nc, appCfg.NATSSubject))
		closer = func() { _ = nc.Drain() }
		L.Info(ctx, "notifier enabled", "channel", "nats", "subject", appCfg.NATSSubject)
	}
	if appCfg.NotificationsURL != "" {
		d.SetFallback(relay.New(appCfg.NotificationsURL, appCfg.NotificationsToken, httpClient))
		L.Info(ctx, "notifier enabled", "channel", "relay", "url", appCfg.NotificationsURL)
	}
	return d, closer, nil
}

// newDBQueryObserver registers the per-query duration histogram.
func newDBQueryObserver(reg prometheus.Registerer) postgres.QueryObserver {
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vanguard_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"caller", "outcome"})
	reg.MustRegister(dbQueryDuration)

	return postgres.QueryObserverFunc(func(_ context.Context, caller, outcome string, dur time.Duration) {
		dbQueryDuration.WithLabelValues(caller, outcome).Observe(dur.Seconds())
	})
}
