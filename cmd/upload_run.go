package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-runsync/pkg/flagparse"
	"github.com/paulschiretz/pgl-runsync/pkg/hints"
	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/runupload"
)

// RunUploadRun handles the 'upload-run' command.
func RunUploadRun(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.UploadRun, flagMap)
	if err != nil {
		return err
	}

	runPlan, err := planner.GenerateRunPlan(runConfig)
	if err != nil {
		return err
	}

	m := metrics.New(runPlan.Metrics)
	w, err := newWorker(ctx, runPlan.Remote, runPlan.Transfer, runPlan.Compression, m)
	if err != nil {
		return err
	}

	uploader, err := runupload.New(runPlan, w.store, w.runner)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = uploader.Execute(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	m.LogSummary("Run upload summary")
	if err != nil {
		if hints.IsHint(err) {
			plog.Info("Nothing to upload", "run", uploader.RunID(), "reason", err)
			return nil
		}
		return err
	}
	plog.Info(buildinfo.Name+" run upload finished successfully.", "run", uploader.RunID(), "duration", duration)
	return nil
}
