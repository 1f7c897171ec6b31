// Vanguard orchestrates security alerts through triage, threat intel
// enrichment, investigation and remediation stage services.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/vanguard/internal/alertapi"
	"github.com/linnemanlabs/vanguard/internal/postgres"
)

const (
	appName   = "vanguard"
	component = "server"
	envPrefix = "VANGUARD_"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var c config
	c.registerFlags(flag.CommandLine)
	flag.Parse()
	if c.showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := c.validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", c.app.APIPort,
		"admin_port", c.ops.Port,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"otlp_endpoint", c.trace.OTLPEndpoint,
	)

	// profiling first so the whole process lifetime is captured
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}
	profiling := profErr == nil && c.prof.EnablePyroscope

	traceOpts := c.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if profiling {
		// stage and store spans carry the profile id
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)
	m.SetProfilingActive(profiling)
	postgres.SetQueryObserver(newDBQueryObserver(m.Registry()))

	a, err := newApp(ctx, &c.app, m.Registry(), L)
	if err != nil {
		return err
	}
	defer a.close()

	// readiness fails once draining starts
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		return fmt.Errorf("ops listener: %w", err)
	}

	api := alertapi.New(L, a.service, nil)
	router := newRouter(api, c.app.APITokens(), health.HealthzHandler(liveness), health.ReadyzHandler(readiness))
	handler := wrapEdge(router, edgeOptions{
		Logger:     L,
		ClientIP:   httpmw.ClientIPOptions{TrustedHops: c.httpmw.TrustedProxyHops},
		Instrument: m.Middleware,
	})

	httpOpts, err := c.http.ToOptions()
	if err != nil {
		_ = stopOps(context.Background())
		return fmt.Errorf("http config: %w", err)
	}
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.app.APIPort), handler, L, httpOpts)
	if err != nil {
		_ = stopOps(context.Background())
		return fmt.Errorf("api listener: %w", err)
	}

	if err := notifySystemd("READY=1"); err != nil {
		L.Warn(ctx, "systemd readiness notify skipped", "error", err)
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")
	_ = notifySystemd("STOPPING=1")

	gate.Set("draining")
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	drain(L, time.Duration(c.app.DrainSeconds)*time.Second, force)
	signal.Stop(force)

	// the API stops first so no new workflows start; queued notifications
	// are flushed before telemetry goes away
	runShutdown(L, time.Duration(c.app.ShutdownBudgetSeconds)*time.Second, []shutdownStep{
		{"alert api", stopAPI},
		{"notifications", a.dispatcher.Wait},
		{"ops listener", stopOps},
		{"otel", shutdownOtel},
	})

	L.Info(bg, "shutdown complete")
	return nil
}
