package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/hints"
	"github.com/paulschiretz/pgl-runsync/pkg/lockfile"
	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/pathcompression"
	"github.com/paulschiretz/pgl-runsync/pkg/pathfilter"
	"github.com/paulschiretz/pgl-runsync/pkg/pathscan"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/preflight"
	"github.com/paulschiretz/pgl-runsync/pkg/transfer"
	"github.com/paulschiretz/pgl-runsync/pkg/uploadlog"
)

// --- ARCHITECTURAL OVERVIEW: Archive lifecycle ---
//
// Every archive moves through building -> built -> uploaded -> removed, and
// the upload log is persisted after each step. A crash therefore leaves one
// of three situations, each repaired by the next invocation:
//
//  1. building: the temp file is garbage. It is swept by CleanupTempFiles and
//     its members are picked up again by change detection, since they were
//     never fingerprinted.
//  2. built: the archive exists locally but may never have reached the store.
//     It is uploaded again.
//  3. uploaded: the store has it. Only the local removal is repeated.
//
// Uploads are therefore at-least-once. Re-running over an unchanged directory
// is a no-op.

var (
	ErrSyncActive   = hints.New("another sync holds the upload log")
	ErrBelowMinimum = hints.New("not enough new data for a batch")
	// ErrIncompleteSync is returned in finish mode when an archive did not
	// reach the store. The Result is returned with it.
	ErrIncompleteSync = errors.New("sync incomplete")
)

// ArchiveBuilder writes one archive from a list of members.
type ArchiveBuilder interface {
	Format() pathcompression.Format
	Build(ctx context.Context, rootDir string, members []string, absArchivePath string) ([]pathscan.Entry, error)
}

// Runner executes sync passes. A Runner holds no per-directory state and may
// be shared by sequential passes over different directories.
type Runner struct {
	uploader transfer.Uploader
	builder  ArchiveBuilder
	metrics  metrics.Metrics
	// now allows pinning the clock in tests.
	now func() time.Time
}

// NewRunner creates a Runner. A nil m disables metrics.
func NewRunner(uploader transfer.Uploader, builder ArchiveBuilder, m metrics.Metrics) *Runner {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Runner{
		uploader: uploader,
		builder:  builder,
		metrics:  m,
		now:      time.Now,
	}
}

// Result reports what a pass did with each archive it touched.
type Result struct {
	// Removed holds the object ids of archives that were uploaded and deleted locally.
	Removed []string
	// UploadedNotRemoved holds the object ids of archives whose local copy could not be deleted.
	UploadedNotRemoved []string
	// Failed holds the paths of archives that could not be built or uploaded.
	Failed []string
	// Planned is the number of new batches the pass planned.
	Planned int
}

// FileIDs returns the object ids that reached the store during this pass.
func (r *Result) FileIDs() []string {
	ids := make([]string, 0, len(r.Removed)+len(r.UploadedNotRemoved))
	ids = append(ids, r.Removed...)
	return append(ids, r.UploadedNotRemoved...)
}

// ExecuteSync runs one pass over p.SyncDir: detect, plan, build, upload,
// remove, then retry whatever an earlier pass left unfinished.
func (r *Runner) ExecuteSync(ctx context.Context, p *planner.SyncPlan) (*Result, error) {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := preflight.Run(p.Preflight, p.SyncDir, p.TarDir, filepath.Dir(p.LogFile)); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	filter, err := pathfilter.New(p.Include, p.Exclude)
	if err != nil {
		return nil, err
	}
	id := uploadlog.Identity{
		SyncDir:         p.SyncDir,
		TarDestination:  p.Destination.String(),
		FilePrefix:      p.Prefix,
		IncludePatterns: p.Include,
		ExcludePatterns: p.Exclude,
	}

	minAge, minBytes := p.MinAge, p.MinBatchBytes
	if p.Mode == planner.Finish {
		minAge, minBytes = 0, 0
	}

	if p.DryRun {
		return r.dryRun(ctx, p, id, filter, minAge, minBytes)
	}

	releaseLock, err := r.acquireLogLock(ctx, p.LogFile)
	if err != nil {
		return nil, err
	}
	if releaseLock == nil {
		return nil, ErrSyncActive
	}
	defer releaseLock()

	log, err := uploadlog.Open(p.LogFile, id)
	if err != nil {
		return nil, err
	}

	if n, err := pathcompression.CleanupTempFiles(p.TarDir, p.Prefix); err != nil {
		plog.Warn("Failed to remove leftover temp archives", "dir", p.TarDir, "error", err)
	} else if n > 0 {
		plog.Info("Removed leftover temp archives", "dir", p.TarDir, "count", n)
	}

	// Records an interrupted pass left behind, captured before this pass adds its own.
	resumeBuilt := log.Pending(uploadlog.StatusBuilt)
	resumeUploaded := log.Pending(uploadlog.StatusUploaded)

	entries, err := pathscan.FindEligible(ctx, p.SyncDir, log, filter, minAge, r.now())
	if err != nil {
		return nil, fmt.Errorf("change detection failed: %w", err)
	}
	r.metrics.AddFilesSelected(int64(len(entries)))

	batches, err := planner.PlanBatches(entries, minBytes, p.MaxBatchBytes)
	if err != nil {
		return nil, err
	}

	plog.Info("Starting sync",
		"sync_dir", p.SyncDir,
		"destination", p.Destination.String(),
		"mode", p.Mode,
		"eligible", len(entries),
		"batches", len(batches),
		"resume", len(resumeBuilt)+len(resumeUploaded))

	res := &Result{Planned: len(batches)}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		archive := pathcompression.ArchiveName(p.TarDir, p.Prefix, log.NextArchiveIndex(), r.builder.Format())
		ok, err := r.processBatch(ctx, log, p, archive, b, res)
		if err != nil {
			return res, err
		}
		if !ok && p.Mode == planner.Finish {
			plog.Warn("Stopping after failed archive in finish mode", "archive", archive)
			break
		}
	}

	for _, archive := range resumeBuilt {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		plog.Info("Resuming upload of archive", "archive", archive)
		if _, err := r.uploadAndRemove(ctx, log, p, archive, res); err != nil {
			return res, err
		}
	}
	for _, archive := range resumeUploaded {
		rec, _ := log.Record(archive)
		plog.Info("Resuming removal of archive", "archive", archive, "id", rec.FileID)
		if err := r.remove(log, archive, rec.FileID, res); err != nil {
			return res, err
		}
	}

	if len(res.UploadedNotRemoved) > 0 {
		plog.Warn("Some archives were uploaded but could not be removed locally", "count", len(res.UploadedNotRemoved))
	}
	plog.Info("Sync completed",
		"removed", len(res.Removed),
		"uploaded_not_removed", len(res.UploadedNotRemoved),
		"failed", len(res.Failed))

	if p.Mode == planner.Finish {
		if incomplete := countIncomplete(log.Pending(uploadlog.StatusBuilt), res.Failed); incomplete > 0 {
			return res, fmt.Errorf("%w: %d archives did not reach the store", ErrIncompleteSync, incomplete)
		}
	}
	if len(entries) > 0 && len(batches) == 0 && len(resumeBuilt)+len(resumeUploaded) == 0 {
		plog.Info("Eligible data below minimum batch size, waiting for more", "files", len(entries), "bytes", pathscan.TotalSize(entries), "min_bytes", minBytes)
		return res, ErrBelowMinimum
	}
	return res, nil
}

// countIncomplete counts archives that never reached the store: those still
// built plus those that failed to build. An upload failure is in both lists.
func countIncomplete(built, failed []string) int {
	seen := make(map[string]struct{}, len(built)+len(failed))
	for _, a := range built {
		seen[a] = struct{}{}
	}
	for _, a := range failed {
		seen[a] = struct{}{}
	}
	return len(seen)
}

// processBatch builds one archive and carries it through upload and removal.
// It reports false when the archive failed; the error is reserved for
// failures that must abort the pass.
func (r *Runner) processBatch(ctx context.Context, log *uploadlog.Log, p *planner.SyncPlan, archive string, b planner.Batch, res *Result) (bool, error) {
	start := r.now()
	plog.Notice("BUILD", "archive", archive, "members", len(b.Entries), "bytes", b.TotalBytes)

	members, err := r.builder.Build(ctx, p.SyncDir, b.Paths(), archive)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		plog.Warn("Failed to build archive", "archive", archive, "error", err)
		r.metrics.AddArchivesFailed(1)
		res.Failed = append(res.Failed, archive)
		return false, nil
	}

	if err := log.RegisterBuilt(archive, pathscan.TotalSize(members), start, r.now(), members); err != nil {
		return false, err
	}
	r.metrics.AddArchivesBuilt(1)
	return r.uploadAndRemove(ctx, log, p, archive, res)
}

func (r *Runner) uploadAndRemove(ctx context.Context, log *uploadlog.Log, p *planner.SyncPlan, archive string, res *Result) (bool, error) {
	start := r.now()
	plog.Notice("UPLOAD", "archive", archive, "destination", p.Destination.String())

	id, err := r.uploader.Upload(ctx, archive, p.Destination)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		plog.Warn("Failed to upload archive", "archive", archive, "error", err)
		r.metrics.AddArchivesFailed(1)
		res.Failed = append(res.Failed, archive)
		return false, nil
	}
	end := r.now()
	r.metrics.ObserveUpload(end.Sub(start))
	r.metrics.AddArchivesUploaded(1)

	if err := log.MarkUploaded(archive, id, start, end); err != nil {
		return false, err
	}
	plog.Debug("Uploaded archive", "archive", archive, "id", id)
	return true, r.remove(log, archive, id, res)
}

// remove deletes the local copy of an uploaded archive. A failed deletion
// leaves the record uploaded and is not an error.
func (r *Runner) remove(log *uploadlog.Log, archive, id string, res *Result) error {
	start := r.now()
	plog.Notice("REMOVE", "archive", archive)

	if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove uploaded archive", "archive", archive, "id", id, "error", err)
		res.UploadedNotRemoved = append(res.UploadedNotRemoved, id)
		return nil
	}
	if err := log.MarkRemoved(archive, start, r.now()); err != nil {
		return err
	}
	r.metrics.AddArchivesRemoved(1)
	res.Removed = append(res.Removed, id)
	return nil
}

func (r *Runner) dryRun(ctx context.Context, p *planner.SyncPlan, id uploadlog.Identity, filter *pathfilter.Filter, minAge time.Duration, minBytes int64) (*Result, error) {
	state, err := uploadlog.Peek(p.LogFile, id)
	if err != nil {
		return nil, err
	}
	entries, err := pathscan.FindEligible(ctx, p.SyncDir, state, filter, minAge, r.now())
	if err != nil {
		return nil, fmt.Errorf("change detection failed: %w", err)
	}
	batches, err := planner.PlanBatches(entries, minBytes, p.MaxBatchBytes)
	if err != nil {
		return nil, err
	}

	for i, b := range batches {
		archive := pathcompression.ArchiveName(p.TarDir, p.Prefix, state.NextTarIndex+i, r.builder.Format())
		plog.Info("[DRY RUN] Would build and upload archive", "archive", archive, "members", len(b.Entries), "bytes", b.TotalBytes)
	}
	for _, archive := range state.Archives() {
		switch state.TarFiles[archive].Status {
		case uploadlog.StatusBuilt:
			plog.Info("[DRY RUN] Would resume upload", "archive", archive)
		case uploadlog.StatusUploaded:
			plog.Info("[DRY RUN] Would resume removal", "archive", archive)
		}
	}
	return &Result{Planned: len(batches)}, nil
}

// acquireLogLock takes the lock next to the upload log. It returns a nil
// release function when another process already holds it.
func (r *Runner) acquireLogLock(ctx context.Context, logFile string) (func(), error) {
	appID := fmt.Sprintf("pgl-runsync:%s", logFile)

	plog.Debug("Attempting to acquire lock", "path", logFile)
	lock, err := lockfile.Acquire(ctx, logFile, appID)
	if err != nil {
		var held *lockfile.ErrHeld
		if errors.As(err, &held) {
			plog.Warn("Sync is already running for this log, skipping run.", "holder", held.Owner.Holder, "pid", held.Owner.PID, "host", held.Owner.Hostname)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")

	return lock.Release, nil
}
