package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/plog"
)

// Metrics defines the interface for collecting and reporting sync statistics.
type Metrics interface {
	AddFilesSelected(n int64)
	AddArchivesBuilt(n int64)
	AddArchivesUploaded(n int64)
	AddArchivesRemoved(n int64)
	AddArchivesFailed(n int64)
	AddOriginalBytes(n int64)
	AddCompressedBytes(n int64)
	ObserveUpload(d time.Duration)
	AddSyncsDispatched(n int64)
	AddSyncsFailed(n int64)
	AddRunFolders(class string, n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// SyncMetrics holds the atomic counters for tracking sync progress.
// It is the concrete implementation of the Metrics interface.
type SyncMetrics struct {
	FilesSelected    atomic.Int64
	ArchivesBuilt    atomic.Int64
	ArchivesUploaded atomic.Int64
	ArchivesRemoved  atomic.Int64
	ArchivesFailed   atomic.Int64
	OriginalBytes    atomic.Int64
	CompressedBytes  atomic.Int64
	UploadNanos      atomic.Int64
	SyncsDispatched  atomic.Int64
	SyncsFailed      atomic.Int64
	RunsInProgress   atomic.Int64
	RunsComplete     atomic.Int64
	RunsStale        atomic.Int64
	RunsNotARun      atomic.Int64
	RunsUnclassified atomic.Int64

	stopChan chan struct{}
}

func (m *SyncMetrics) AddFilesSelected(n int64)    { m.FilesSelected.Add(n) }
func (m *SyncMetrics) AddArchivesBuilt(n int64)    { m.ArchivesBuilt.Add(n) }
func (m *SyncMetrics) AddArchivesUploaded(n int64) { m.ArchivesUploaded.Add(n) }
func (m *SyncMetrics) AddArchivesRemoved(n int64)  { m.ArchivesRemoved.Add(n) }
func (m *SyncMetrics) AddArchivesFailed(n int64)   { m.ArchivesFailed.Add(n) }
func (m *SyncMetrics) AddOriginalBytes(n int64)    { m.OriginalBytes.Add(n) }
func (m *SyncMetrics) AddCompressedBytes(n int64)  { m.CompressedBytes.Add(n) }
func (m *SyncMetrics) ObserveUpload(d time.Duration) {
	m.UploadNanos.Add(int64(d))
}
func (m *SyncMetrics) AddSyncsDispatched(n int64) { m.SyncsDispatched.Add(n) }
func (m *SyncMetrics) AddSyncsFailed(n int64)     { m.SyncsFailed.Add(n) }

// AddRunFolders counts classified run folders. class is the string form of a
// runfolder.Classification.
func (m *SyncMetrics) AddRunFolders(class string, n int64) {
	switch class {
	case "in_progress":
		m.RunsInProgress.Add(n)
	case "complete":
		m.RunsComplete.Add(n)
	case "stale":
		m.RunsStale.Add(n)
	case "not_a_run":
		m.RunsNotARun.Add(n)
	default:
		m.RunsUnclassified.Add(n)
	}
}

func (m *SyncMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *SyncMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current state of the counters.
func (m *SyncMetrics) LogSummary(msg string) {
	orig := m.OriginalBytes.Load()
	comp := m.CompressedBytes.Load()

	var ratio float64
	if orig > 0 {
		ratio = float64(comp) / float64(orig) * 100.0
	}

	args := []any{
		"files_selected", m.FilesSelected.Load(),
		"archives_built", m.ArchivesBuilt.Load(),
		"archives_uploaded", m.ArchivesUploaded.Load(),
		"archives_removed", m.ArchivesRemoved.Load(),
		"archives_failed", m.ArchivesFailed.Load(),
		"original_bytes", fmt.Sprintf("%d", orig),
		"compressed_bytes", fmt.Sprintf("%d", comp),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
		"upload_time", time.Duration(m.UploadNanos.Load()).Round(time.Millisecond).String(),
	}
	if d := m.SyncsDispatched.Load(); d > 0 {
		args = append(args,
			"syncs_dispatched", d,
			"syncs_failed", m.SyncsFailed.Load(),
			"runs_in_progress", m.RunsInProgress.Load(),
			"runs_complete", m.RunsComplete.Load(),
			"runs_stale", m.RunsStale.Load(),
		)
	}
	plog.Info(msg, args...)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesSelected(n int64)                         {}
func (m *NoopMetrics) AddArchivesBuilt(n int64)                         {}
func (m *NoopMetrics) AddArchivesUploaded(n int64)                      {}
func (m *NoopMetrics) AddArchivesRemoved(n int64)                       {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) AddOriginalBytes(n int64)                         {}
func (m *NoopMetrics) AddCompressedBytes(n int64)                       {}
func (m *NoopMetrics) ObserveUpload(d time.Duration)                    {}
func (m *NoopMetrics) AddSyncsDispatched(n int64)                       {}
func (m *NoopMetrics) AddSyncsFailed(n int64)                           {}
func (m *NoopMetrics) AddRunFolders(class string, n int64)              {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// New returns SyncMetrics when enabled and NoopMetrics otherwise.
func New(enabled bool) Metrics {
	if enabled {
		return &SyncMetrics{}
	}
	return &NoopMetrics{}
}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
