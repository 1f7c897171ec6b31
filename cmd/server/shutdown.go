package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// shutdownStep stops one component. A nil stop is skipped, which covers
// components whose start failed softly (tracing, profiling).
type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// drain waits out the drain period so load balancers see the failing
// readiness probe and in-flight alerts finish. A signal on force cuts it
// short. It reports whether the full period elapsed.
func drain(L log.Logger, d time.Duration, force <-chan os.Signal) bool {
	ctx := context.Background()
	L.Info(ctx, "draining", "drain_seconds", d.Seconds())

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
		return true
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
		return false
	}
}

// runShutdown stops steps in order, giving each an equal slice of budget.
// A failing or slow step does not stop the ones after it. The returned
// errors are also logged.
func runShutdown(L log.Logger, budget time.Duration, steps []shutdownStep) []error {
	var active []shutdownStep
	for _, s := range steps {
		if s.stop != nil {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}

	perStep := budget / time.Duration(len(active))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	var errs []error
	for _, s := range active {
		sctx, scancel := context.WithTimeout(ctx, perStep)
		err := s.stop(sctx)
		scancel()
		if err != nil {
			err = fmt.Errorf("%s shutdown: %w", s.name, err)
			L.Error(context.Background(), err, "component shutdown failed", "component", s.name)
			errs = append(errs, err)
		}
	}
	return errs
}

// notifySystemd sends state ("READY=1", "STOPPING=1") to the socket
// systemd hands Type=notify services.
func notifySystemd(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify %s: dial failed: %w", state, err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify %s: write failed: %w", state, err)
	}
	return nil
}
