// Package monitor watches a directory of instrument run folders and streams
// every run that is not yet uploaded.
//
// Each poll classifies the local run folders, asks the remote store which runs
// it already knows about and dispatches one run upload step per run that still
// needs work onto a bounded worker group. Workers share nothing but the store
// and the stateless sync engine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-runsync/pkg/hints"
	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/runfolder"
	"github.com/paulschiretz/pgl-runsync/pkg/runupload"
)

// lapsedIntervals is how many sync intervals a run's local log may stay
// untouched before its upload is considered dead and restarted.
const lapsedIntervals = 5

var ErrWaitBudgetExceeded = errors.New("monitored runs did not complete within the wait budget")

// Task is one run scheduled in a poll.
type Task struct {
	Name  string
	RunID string
	Path  string
	Class runfolder.Classification
	// Resumed is set for runs the remote store already has an open upload for.
	Resumed bool
}

// TaskResult is the outcome of one dispatched task.
type TaskResult struct {
	Task
	// Done is set once the run has been finalized.
	Done bool
	Err  error
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	Candidates []runfolder.RunFolder
	Results    []TaskResult
	// Errors holds per-run lookup failures; those runs were not dispatched.
	Errors map[string]error
	// Elsewhere lists runs with an open upload that another process drives.
	Elsewhere []string
}

// Pending returns the runs that still need work, sorted: runs still in
// progress, dispatched runs that were not finalized or failed, runs whose
// upload state could not be read, and runs another process is uploading.
func (r *PollResult) Pending() []string {
	set := make(map[string]struct{})
	for _, c := range r.Candidates {
		if c.Class == runfolder.InProgress {
			set[c.Name] = struct{}{}
		}
	}
	for _, res := range r.Results {
		if !res.Done {
			set[res.Name] = struct{}{}
		}
	}
	for name := range r.Errors {
		set[name] = struct{}{}
	}
	for _, name := range r.Elsewhere {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Failed counts dispatched tasks that returned an error.
func (r *PollResult) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Monitor schedules run uploads. A Monitor remembers the runs it dispatched so
// that it keeps driving them without waiting for their logs to lapse.
type Monitor struct {
	store   remote.Store
	syncer  runupload.Syncer
	metrics metrics.Metrics

	mu      sync.Mutex
	driving map[string]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(store remote.Store, syncer runupload.Syncer, m metrics.Metrics) *Monitor {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Monitor{
		store:   store,
		syncer:  syncer,
		metrics: m,
		driving: make(map[string]bool),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Poll runs one monitor cycle.
func (m *Monitor) Poll(ctx context.Context, p *planner.MonitorPlan) (*PollResult, error) {
	rp := p.Run
	candidates, err := runfolder.ListCandidates(p.Directory, rp.RunDuration, rp.Intervals, rp.Novaseq, m.now())
	if err != nil {
		return nil, err
	}
	res := &PollResult{Errors: make(map[string]error)}

	counts := make(map[runfolder.Classification]int64)
	var syncable []Task
	for _, c := range candidates {
		counts[c.Class]++
		switch c.Class {
		case runfolder.NotARun:
			plog.Debug("Skipping folder that is not a run", "folder", c.Name)
			continue
		case runfolder.Stale:
			plog.Info("Skipping stale run", "run", c.Name)
			continue
		}
		res.Candidates = append(res.Candidates, c)
		syncable = append(syncable, Task{Name: c.Name, RunID: remoteName(c), Path: c.Path, Class: c.Class})
	}
	for class, n := range counts {
		m.metrics.AddRunFolders(class.String(), n)
	}

	remoteRuns, err := m.remoteRuns(ctx, rp.Project)
	if err != nil {
		return nil, err
	}

	var resumed, fresh []Task
	for _, t := range syncable {
		if !remoteRuns[t.RunID] {
			fresh = append(fresh, t)
			continue
		}
		open, err := m.hasOpenSentinel(ctx, rp, t)
		if err != nil {
			plog.Error("Failed to check upload state of run", "run", t.Name, "error", err)
			res.Errors[t.Name] = err
			continue
		}
		if !open {
			plog.Debug("Run already uploaded", "run", t.Name)
			m.release(t.Name)
			continue
		}
		if m.isDriving(t.Name) || logLapsed(rp.LogDir, t, lapsedIntervals*rp.SyncInterval, m.now()) {
			t.Resumed = true
			resumed = append(resumed, t)
		} else {
			plog.Debug("Run is being uploaded by another process", "run", t.Name)
			res.Elsewhere = append(res.Elsewhere, t.Name)
		}
	}

	// Partially synced runs go first.
	tasks := append(resumed, fresh...)
	res.Results = m.dispatch(ctx, p, tasks)
	return res, nil
}

// remoteName is the folder a run is uploaded to, which is its run id.
func remoteName(c runfolder.RunFolder) string {
	if id, err := runfolder.ReadRunID(c.Path); err == nil {
		return id
	}
	return c.Name
}

func (m *Monitor) remoteRuns(ctx context.Context, project string) (map[string]bool, error) {
	folders, err := m.store.ListFolders(ctx, project, "/")
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("failed to list remote runs: %w", err)
	}
	known := make(map[string]bool, len(folders))
	for _, f := range folders {
		known[f] = true
	}
	return known, nil
}

// hasOpenSentinel reports whether any upload unit of the run is still open.
func (m *Monitor) hasOpenSentinel(ctx context.Context, rp *planner.RunPlan, t Task) (bool, error) {
	root := remote.Destination{Project: rp.Project, Folder: runupload.RunFolder(t.RunID)}
	dests := []remote.Destination{root}
	if rp.NumLanes > 0 {
		dests = dests[:0]
		for lane := 1; lane <= rp.NumLanes; lane++ {
			dests = append(dests, root.Join(fmt.Sprint(lane)))
		}
	}

	for _, dest := range dests {
		s, err := m.store.FindSentinel(ctx, dest, "*"+t.RunID+"*"+remote.SentinelSuffix)
		if err != nil {
			return false, err
		}
		if s.State == remote.SentinelOpen {
			return true, nil
		}
	}
	return false, nil
}

// logLapsed reports whether the newest local log of the run is older than
// maxAge, or whether there is none at all.
func logLapsed(logDir string, t Task, maxAge time.Duration, now time.Time) bool {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return true
	}
	var newest time.Time
	for _, e := range entries {
		if e.IsDir() || !(strings.Contains(e.Name(), t.RunID) || strings.Contains(e.Name(), t.Name)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if newest.IsZero() {
		plog.Info("No local log found for run, treating upload as lapsed", "run", t.Name, "log_dir", logDir)
		return true
	}
	return now.Sub(newest) > maxAge
}

func (m *Monitor) isDriving(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driving[name]
}

func (m *Monitor) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.driving, name)
}

// dispatch steps every task on a bounded worker group and waits for all of them.
func (m *Monitor) dispatch(ctx context.Context, p *planner.MonitorPlan, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	workers := p.StreamingWorkers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	for i, t := range tasks {
		m.mu.Lock()
		m.driving[t.Name] = true
		m.mu.Unlock()
		m.metrics.AddSyncsDispatched(1)
		plog.Info("Dispatching run upload", "run", t.Name, "class", t.Class, "resumed", t.Resumed)

		g.Go(func() error {
			results[i] = m.step(ctx, p.Run, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			m.metrics.AddSyncsFailed(1)
			plog.Error("Run upload failed", "run", r.Name, "error", r.Err)
		}
		if r.Done {
			m.release(r.Name)
		}
	}
	return results
}

func (m *Monitor) step(ctx context.Context, base *planner.RunPlan, t Task) TaskResult {
	plan := *base
	plan.RunDir = t.Path
	finish := t.Class == runfolder.Complete

	u, err := runupload.New(&plan, m.store, m.syncer)
	if err != nil {
		return TaskResult{Task: t, Err: err}
	}
	err = u.Step(ctx, finish)
	if hints.Is(err, runupload.ErrAlreadyUploaded) {
		return TaskResult{Task: t, Done: true}
	}
	if err != nil {
		return TaskResult{Task: t, Err: err}
	}
	return TaskResult{Task: t, Done: finish}
}

// Run polls until a cycle leaves no run pending (see PollResult.Pending). It sleeps for the rest of
// the sync interval between polls and gives up once the wait budget of the
// run plan is spent. With p.Once it polls a single time.
func (m *Monitor) Run(ctx context.Context, p *planner.MonitorPlan) error {
	budget := p.Run.WaitBudget()
	start := m.now()

	for {
		cycleStart := m.now()
		if elapsed := cycleStart.Sub(start); budget > 0 && elapsed > budget {
			return fmt.Errorf("%w: waited %s (max %s)", ErrWaitBudgetExceeded, elapsed.Round(time.Second), budget)
		}

		res, err := m.Poll(ctx, p)
		if err != nil {
			return err
		}
		pending := res.Pending()
		plog.Info("Poll finished", "candidates", len(res.Candidates), "dispatched", len(res.Results), "failed", res.Failed(), "pending", len(pending))
		if p.Once {
			return nil
		}
		if len(pending) == 0 {
			plog.Info("No runs pending, monitor finished")
			return nil
		}

		if wait := p.Run.SyncInterval - m.now().Sub(cycleStart); wait > 0 {
			if err := m.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
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
