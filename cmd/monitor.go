package cmd

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/paulschiretz/pgl-runsync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-runsync/pkg/flagparse"
	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/monitor"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
)

// RunMonitor handles the 'monitor' command.
func RunMonitor(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Monitor, flagMap)
	if err != nil {
		return err
	}

	monitorPlan, err := planner.GenerateMonitorPlan(runConfig)
	if err != nil {
		return err
	}
	runPlan := monitorPlan.Run

	var m metrics.Metrics
	if monitorPlan.MetricsAddr != "" {
		reg := prom.NewRegistry()
		m = metrics.NewPrometheusMetrics(reg)
		if _, err := monitor.ServeMetrics(ctx, monitorPlan.MetricsAddr, reg); err != nil {
			return err
		}
	} else {
		m = metrics.New(runPlan.Metrics)
	}

	w, err := newWorker(ctx, runPlan.Remote, runPlan.Transfer, runPlan.Compression, m)
	if err != nil {
		return err
	}
	mon := monitor.New(w.store, w.runner, m)

	startTime := time.Now()
	if monitorPlan.Daemon {
		err = mon.RunDaemon(ctx, monitorPlan)
	} else {
		err = mon.Run(ctx, monitorPlan)
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	m.LogSummary("Monitor summary")
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" monitor finished.", "duration", duration)
	return nil
}
