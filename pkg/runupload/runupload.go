// Package runupload streams one instrument run folder to the remote store.
// While the instrument is still writing, it repeatedly syncs every lane of
// the run; once the run is complete it does a final pass and seals each lane
// with a closed sentinel that lists everything uploaded for it.
package runupload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/engine"
	"github.com/paulschiretz/pgl-runsync/pkg/hints"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/runfolder"
	"github.com/paulschiretz/pgl-runsync/pkg/uploadlog"
)

var (
	ErrWaitBudgetExceeded = errors.New("run did not complete within the wait budget")
	ErrAlreadyUploaded    = hints.New("run was already uploaded")
)

// Syncer runs one sync pass. *engine.Runner implements it.
type Syncer interface {
	ExecuteSync(ctx context.Context, p *planner.SyncPlan) (*engine.Result, error)
}

type laneState struct {
	Lane
	sentinel      *remote.Sentinel
	done          bool
	runInfoID     string
	sampleSheetID string
}

// Uploader drives the upload of one run. It is not safe for concurrent use;
// the monitor creates one per run and task.
type Uploader struct {
	plan   *planner.RunPlan
	store  remote.Store
	syncer Syncer

	runID    string
	lanes    []*laneState
	prepared bool

	// sleep and now allow tests to run the wait loop without waiting.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New reads the run id from the run folder and lays out its lanes.
func New(plan *planner.RunPlan, store remote.Store, syncer Syncer) (*Uploader, error) {
	runID, err := runfolder.ReadRunID(plan.RunDir)
	if err != nil {
		return nil, err
	}
	u := &Uploader{
		plan:   plan,
		store:  store,
		syncer: syncer,
		runID:  runID,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, l := range Lanes(runID, plan) {
		u.lanes = append(u.lanes, &laneState{Lane: l})
	}
	return u, nil
}

// RunID returns the id read from RunInfo.xml.
func (u *Uploader) RunID() string { return u.runID }

// Done reports whether every lane has been sealed.
func (u *Uploader) Done() bool {
	for _, l := range u.lanes {
		if !l.done {
			return false
		}
	}
	return true
}

func (u *Uploader) properties(l *laneState) map[string]string {
	if l.sentinel != nil && len(l.sentinel.Properties) > 0 {
		return l.sentinel.Properties
	}
	return map[string]string{"run_id": u.runID, "lanes": l.Name}
}

// Prepare finds or creates the sentinel of every lane and uploads the run's
// RunInfo.xml and SampleSheet.csv next to it. A lane whose sentinel is
// already closed is skipped from then on. If every lane is closed it returns
// ErrAlreadyUploaded.
func (u *Uploader) Prepare(ctx context.Context) error {
	for _, l := range u.lanes {
		if l.done {
			continue
		}
		sentinel, err := u.store.FindSentinel(ctx, l.Dest, l.SentinelName)
		switch {
		case err == nil:
			l.sentinel = sentinel
			if sentinel.State == remote.SentinelClosed {
				plog.Info("Lane has already been uploaded", "run", u.runID, "lane", l.Name)
				l.done = true
				continue
			}
		case errors.Is(err, remote.ErrNotFound):
			props := map[string]string{"run_id": u.runID, "lanes": l.Name}
			if u.plan.DryRun {
				plog.Info("[DRY RUN] Would create sentinel", "name", l.SentinelName, "destination", l.Dest.String())
				break
			}
			if l.sentinel, err = u.store.CreateSentinel(ctx, l.Dest, l.SentinelName, props); err != nil {
				return fmt.Errorf("failed to create sentinel for lane %s: %w", l.Name, err)
			}
			plog.Info("Created sentinel", "name", l.SentinelName, "destination", l.Dest.String(), "id", l.sentinel.ID)
		default:
			return fmt.Errorf("failed to look up sentinel for lane %s: %w", l.Name, err)
		}

		if l.runInfoID, err = u.uploadOnce(ctx, l, runfolder.RunInfoFile); err != nil {
			return err
		}
		if !u.plan.SampleSheetDelay {
			if l.sampleSheetID, err = u.uploadOnce(ctx, l, runfolder.SampleSheetFile); err != nil {
				return err
			}
		}
	}

	u.prepared = true
	if u.Done() {
		return ErrAlreadyUploaded
	}
	return nil
}

// uploadOnce uploads a top-level run file unless the lane folder already has
// it. A file missing locally is skipped with a warning.
func (u *Uploader) uploadOnce(ctx context.Context, l *laneState, name string) (string, error) {
	id, found, err := u.store.FindObject(ctx, l.Dest, name)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", name, err)
	}
	if found {
		return id, nil
	}
	return u.uploadFile(ctx, l, filepath.Join(u.plan.RunDir, name))
}

func (u *Uploader) uploadFile(ctx context.Context, l *laneState, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		plog.Warn("Skipping upload of missing file", "path", localPath)
		return "", nil
	}
	if u.plan.DryRun {
		plog.Info("[DRY RUN] Would upload file", "path", localPath, "destination", l.Dest.String())
		return "", nil
	}
	id, err := u.store.Upload(ctx, localPath, l.Dest, filepath.Base(localPath), u.properties(l))
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	plog.Info("Uploaded file", "path", localPath, "destination", l.Dest.String(), "id", id)
	return id, nil
}

// Step syncs every unfinished lane once. With finish set the pass drops the
// age and size gates and each lane is sealed afterwards.
func (u *Uploader) Step(ctx context.Context, finish bool) error {
	if !u.prepared {
		if err := u.Prepare(ctx); err != nil {
			return err
		}
	}

	for _, l := range u.lanes {
		if l.done {
			continue
		}
		if err := u.syncLane(ctx, l, finish); err != nil {
			return err
		}
		if finish {
			if err := u.finalize(ctx, l); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Uploader) syncPlan(l *laneState, finish bool) *planner.SyncPlan {
	p := u.plan
	return &planner.SyncPlan{
		Mode:    planner.ModeFor(finish),
		DryRun:  p.DryRun,
		Metrics: p.Metrics,

		SyncDir:     p.RunDir,
		TarDir:      p.TarDir,
		LogFile:     l.LogFile,
		Prefix:      l.Prefix,
		Destination: l.Dest,

		Include:       l.Include,
		Exclude:       l.Exclude,
		MinAge:        p.MinAge,
		MinBatchBytes: p.MinBatchBytes,
		MaxBatchBytes: p.MaxBatchBytes,

		Preflight:   p.Preflight,
		Compression: p.Compression,
		Remote:      p.Remote,
		Transfer:    p.Transfer,
	}
}

// syncLane runs the engine for one lane, retrying failed invocations.
// Soft outcomes such as a held lock are success, except in finish mode where
// the lane must really be complete before it is sealed.
func (u *Uploader) syncLane(ctx context.Context, l *laneState, finish bool) error {
	attempts := u.plan.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		plog.Debug("Syncing lane", "run", u.runID, "lane", l.Name, "finish", finish, "attempt", attempt)
		_, err := u.syncer.ExecuteSync(ctx, u.syncPlan(l, finish))
		if err == nil {
			return nil
		}
		if hints.IsHint(err) && !(finish && errors.Is(err, engine.ErrSyncActive)) {
			plog.Info("Lane sync skipped", "run", u.runID, "lane", l.Name, "reason", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isFatal(err) {
			return fmt.Errorf("sync of lane %s failed: %w", l.Name, err)
		}
		lastErr = err
		plog.Warn("Lane sync failed, retrying", "run", u.runID, "lane", l.Name, "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			if err := u.sleep(ctx, u.plan.RetryWait); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("sync of lane %s failed after %d attempts: %w", l.Name, attempts, lastErr)
}

// isFatal reports errors a retry cannot fix.
func isFatal(err error) bool {
	var mismatch *uploadlog.ErrConfigMismatch
	return errors.As(err, &mismatch) || errors.Is(err, planner.ErrInvalidBatchBounds)
}

// finalize uploads the lane's log, tags its archives and closes its sentinel.
func (u *Uploader) finalize(ctx context.Context, l *laneState) error {
	if u.plan.DryRun {
		plog.Info("[DRY RUN] Would finalize lane", "run", u.runID, "lane", l.Name, "sentinel", l.SentinelName)
		return nil
	}

	// A lane that never matched a file has no log.
	tarIDs := []string{}
	state, err := uploadlog.Read(l.LogFile)
	switch {
	case err == nil:
		tarIDs = append(tarIDs, state.FileIDs()...)
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read upload log of lane %s: %w", l.Name, err)
	}
	props := u.properties(l)

	var logID string
	if state != nil {
		if logID, err = u.uploadFile(ctx, l, l.LogFile); err != nil {
			plog.Warn("Failed to upload log file", "path", l.LogFile, "error", err)
		}
	}
	for _, id := range tarIDs {
		if err := u.store.SetProperties(ctx, u.plan.Project, id, props); err != nil {
			plog.Warn("Failed to set properties on archive", "id", id, "error", err)
		}
	}
	if u.plan.SampleSheetDelay {
		if l.sampleSheetID, err = u.uploadFile(ctx, l, filepath.Join(u.plan.RunDir, runfolder.SampleSheetFile)); err != nil {
			plog.Warn("Failed to upload delayed sample sheet", "error", err)
		}
	}

	details := map[string]any{
		"run_id":            u.runID,
		"lanes":             l.Name,
		"upload_thumbnails": strconv.FormatBool(u.plan.UploadThumbnails),
		"dnanexus_path":     l.Dest.String(),
		"tar_file_ids":      tarIDs,
	}
	if logID != "" {
		details["log_file_id"] = logID
	}
	if l.runInfoID != "" {
		details["runinfo_file_id"] = l.runInfoID
	}
	if l.sampleSheetID != "" {
		details["samplesheet_file_id"] = l.sampleSheetID
	}

	if err := u.store.CloseSentinel(ctx, l.sentinel, details); err != nil {
		return fmt.Errorf("failed to close sentinel of lane %s: %w", l.Name, err)
	}
	l.done = true
	plog.Info("Lane upload finalized", "run", u.runID, "lane", l.Name, "archives", len(tarIDs), "sentinel", l.sentinel.ID)
	return nil
}

// Execute streams the run until the instrument marks it complete, then
// finalizes it. It gives up with ErrWaitBudgetExceeded once the run has been
// incomplete for longer than the plan's wait budget.
func (u *Uploader) Execute(ctx context.Context) error {
	if err := u.Prepare(ctx); err != nil {
		return err
	}

	budget := u.plan.WaitBudget()
	plog.Info("Streaming run", "run", u.runID, "lanes", len(u.lanes), "max_wait", budget)
	start := u.now()

	for !runfolder.IsComplete(u.plan.RunDir, u.plan.Novaseq) {
		cycleStart := u.now()
		if elapsed := cycleStart.Sub(start); budget > 0 && elapsed > budget {
			return fmt.Errorf("%w: waited %s (max %s)", ErrWaitBudgetExceeded, elapsed.Round(time.Second), budget)
		}
		if err := u.Step(ctx, false); err != nil {
			return err
		}
		if wait := u.plan.SyncInterval - u.now().Sub(cycleStart); wait > 0 {
			plog.Debug("Sleeping until next sync", "run", u.runID, "wait", wait.Round(time.Second))
			if err := u.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	if err := u.Step(ctx, true); err != nil {
		return err
	}
	plog.Info("Run successfully streamed", "run", u.runID)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
