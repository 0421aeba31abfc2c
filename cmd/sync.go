package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-runsync/pkg/flagparse"
	"github.com/paulschiretz/pgl-runsync/pkg/hints"
	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/uploadlog"
)

// RunSync handles the 'sync' command. It writes the object id of every
// archive recorded in the upload log to out, one per line, but only when no
// archive of this pass failed.
func RunSync(ctx context.Context, flagMap map[string]interface{}, out io.Writer) error {
	// stdout belongs to the object ids.
	plog.SetOutput(os.Stderr)

	runConfig, err := loadRunConfig(flagparse.Sync, flagMap)
	if err != nil {
		return err
	}

	// Get the Plan
	syncPlan, err := planner.GenerateSyncPlan(runConfig)
	if err != nil {
		return err
	}

	m := metrics.New(syncPlan.Metrics)
	w, err := newWorker(ctx, syncPlan.Remote, syncPlan.Transfer, syncPlan.Compression, m)
	if err != nil {
		return err
	}

	m.StartProgress("Sync progress", 30*time.Second)
	startTime := time.Now()
	res, err := w.runner.ExecuteSync(ctx, syncPlan)
	m.StopProgress()
	duration := time.Since(startTime).Round(time.Millisecond)
	m.LogSummary("Sync summary")

	if err != nil {
		if !hints.IsHint(err) {
			return err // The error will be logged with full details by main()
		}
		plog.Info("Nothing uploaded", "reason", err)
	}
	if res != nil && len(res.Failed) > 0 {
		return fmt.Errorf("%d files were not successfully uploaded", len(res.Failed))
	}

	var ids []string
	if syncPlan.DryRun {
		if res != nil {
			ids = res.FileIDs()
		}
	} else {
		state, err := uploadlog.Read(syncPlan.LogFile)
		switch {
		case err == nil:
			ids = state.FileIDs()
		case !os.IsNotExist(err):
			return fmt.Errorf("failed to read upload log: %w", err)
		}
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}

	plog.Info(buildinfo.Name+" sync finished successfully.", "duration", duration, "archives", len(ids))
	return nil
}
