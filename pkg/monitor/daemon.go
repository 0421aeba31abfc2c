package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
)

// RunDaemon polls every sync interval until ctx is cancelled. A poll that
// is still running when the next one is due delays it instead of overlapping.
func (m *Monitor) RunDaemon(ctx context.Context, p *planner.MonitorPlan) error {
	if p.Run.SyncInterval <= 0 {
		return fmt.Errorf("daemon mode needs a positive sync interval, got %s", p.Run.SyncInterval)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(p.Run.SyncInterval),
		gocron.NewTask(func() { m.daemonPoll(ctx, p) }),
		gocron.WithName("poll-run-folders"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule poll: %w", err)
	}

	plog.Info("Starting monitor daemon", "directory", p.Directory, "interval", p.Run.SyncInterval)
	s.Start()
	<-ctx.Done()

	plog.Info("Stopping monitor daemon")
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (m *Monitor) daemonPoll(ctx context.Context, p *planner.MonitorPlan) {
	res, err := m.Poll(ctx, p)
	if err != nil {
		if ctx.Err() == nil {
			plog.Error("Poll failed", "error", err)
		}
		return
	}
	plog.Info("Poll finished", "candidates", len(res.Candidates), "dispatched", len(res.Results), "failed", res.Failed(), "pending", len(res.Pending()))
}

// ServeMetrics exposes reg on addr under /metrics until ctx is cancelled.
// It returns once the listener is bound; serve errors are logged.
func ServeMetrics(ctx context.Context, addr string, reg *prom.Registry) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			plog.Error("Metrics server stopped", "error", err)
		}
	}()

	plog.Info("Serving metrics", "addr", ln.Addr().String())
	return ln.Addr(), nil
}
