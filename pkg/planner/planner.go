package planner

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/config"
	"github.com/paulschiretz/pgl-runsync/pkg/pathcompression"
	"github.com/paulschiretz/pgl-runsync/pkg/preflight"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/runfolder"
	"github.com/paulschiretz/pgl-runsync/pkg/transfer"
)

const bytesPerMB = 1024 * 1024

// SyncPlan drives one engine invocation over one directory.
type SyncPlan struct {
	Mode    Mode
	DryRun  bool
	Metrics bool

	SyncDir     string
	TarDir      string
	LogFile     string
	Prefix      string
	Destination remote.Destination

	Include       []string
	Exclude       []string
	MinAge        time.Duration
	MinBatchBytes int64
	MaxBatchBytes int64

	Preflight   *preflight.Plan
	Compression *pathcompression.Plan
	Remote      *remote.Plan
	Transfer    *transfer.Plan
}

// RunPlan drives the upload of one instrument run folder.
type RunPlan struct {
	DryRun  bool
	Metrics bool

	RunDir  string
	Project string
	TarDir  string
	LogDir  string

	NumLanes         int
	Novaseq          bool
	UploadThumbnails bool
	SampleSheetDelay bool
	Exclude          []string

	MinAge        time.Duration
	MinBatchBytes int64
	MaxBatchBytes int64

	SyncInterval time.Duration
	Retries      int
	RetryWait    time.Duration
	RunDuration  time.Duration
	Intervals    int

	Preflight   *preflight.Plan
	Compression *pathcompression.Plan
	Remote      *remote.Plan
	Transfer    *transfer.Plan
}

// WaitBudget is how long a run may stay incomplete before it is given up.
// Zero means no bound.
func (p *RunPlan) WaitBudget() time.Duration {
	return p.RunDuration * time.Duration(p.Intervals)
}

// MonitorPlan drives the fleet monitor. Run holds the settings applied to
// every run folder it dispatches; its RunDir is empty.
type MonitorPlan struct {
	Directory        string
	StreamingWorkers int
	Once             bool
	Daemon           bool
	MetricsAddr      string

	Run *RunPlan
}

func GenerateSyncPlan(cfg config.Config) (*SyncPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Engine.Metrics

	dest, err := remote.ParseDestination(cfg.Runtime.Destination)
	if err != nil {
		return nil, err
	}
	compression, err := compressionPlan(cfg)
	if err != nil {
		return nil, err
	}
	remotePlan, err := generateRemotePlan(cfg)
	if err != nil {
		return nil, err
	}
	transferPlan, err := generateTransferPlan(cfg)
	if err != nil {
		return nil, err
	}

	return &SyncPlan{
		Mode:    ModeFor(cfg.Runtime.Finish),
		DryRun:  dryRun,
		Metrics: metrics,

		SyncDir:     cfg.Runtime.SyncDir,
		TarDir:      cfg.Paths.TmpDir,
		LogFile:     cfg.Runtime.LogFile,
		Prefix:      cfg.Runtime.Prefix,
		Destination: dest,

		Include:       append([]string(nil), cfg.Sync.Include...),
		Exclude:       append([]string(nil), cfg.Sync.Exclude...),
		MinAge:        time.Duration(cfg.Sync.MinAgeSeconds) * time.Second,
		MinBatchBytes: int64(cfg.Sync.MinSizeMB) * bytesPerMB,
		MaxBatchBytes: int64(cfg.Sync.MaxSizeMB) * bytesPerMB,

		Preflight: &preflight.Plan{
			SyncDirAccessible: true,
			TarDirWritable:    true,
			LogDirWritable:    true,
			DryRun:            dryRun,
		},
		Compression: compression,
		Remote:      remotePlan,
		Transfer:    transferPlan,
	}, nil
}

func GenerateRunPlan(cfg config.Config) (*RunPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Engine.Metrics

	runDuration, err := runfolder.ParseDuration(cfg.Run.RunLength)
	if err != nil {
		return nil, fmt.Errorf("invalid run length: %w", err)
	}
	compression, err := compressionPlan(cfg)
	if err != nil {
		return nil, err
	}
	remotePlan, err := generateRemotePlan(cfg)
	if err != nil {
		return nil, err
	}
	transferPlan, err := generateTransferPlan(cfg)
	if err != nil {
		return nil, err
	}

	return &RunPlan{
		DryRun:  dryRun,
		Metrics: metrics,

		RunDir:  cfg.Runtime.RunDir,
		Project: cfg.Remote.Project,
		TarDir:  cfg.Paths.TmpDir,
		LogDir:  cfg.Paths.LogDir,

		NumLanes:         cfg.Run.NumLanes,
		Novaseq:          cfg.Run.Novaseq,
		UploadThumbnails: cfg.Run.UploadThumbnails,
		SampleSheetDelay: cfg.Run.SampleSheetDelay,
		Exclude:          append([]string(nil), cfg.Run.Exclude...),

		MinAge:        time.Duration(cfg.Run.MinAgeSeconds) * time.Second,
		MinBatchBytes: int64(cfg.Run.MinSizeMB) * bytesPerMB,
		MaxBatchBytes: int64(cfg.Run.MaxSizeMB) * bytesPerMB,

		SyncInterval: time.Duration(cfg.Run.SyncIntervalSeconds) * time.Second,
		Retries:      cfg.Run.Retries,
		RetryWait:    time.Duration(cfg.Run.RetryWaitSeconds) * time.Second,
		RunDuration:  runDuration,
		Intervals:    cfg.Run.SeqIntervals,

		Preflight: &preflight.Plan{
			SyncDirAccessible: true,
			TarDirWritable:    true,
			LogDirWritable:    true,
			DryRun:            dryRun,
		},
		Compression: compression,
		Remote:      remotePlan,
		Transfer:    transferPlan,
	}, nil
}

func GenerateMonitorPlan(cfg config.Config) (*MonitorPlan, error) {
	runPlan, err := GenerateRunPlan(cfg)
	if err != nil {
		return nil, err
	}
	runPlan.RunDir = ""

	return &MonitorPlan{
		Directory:        cfg.Monitor.Directory,
		StreamingWorkers: cfg.Monitor.StreamingWorkers,
		Once:             cfg.Runtime.Once,
		Daemon:           cfg.Monitor.Daemon,
		MetricsAddr:      cfg.Monitor.MetricsAddr,
		Run:              runPlan,
	}, nil
}

func compressionPlan(cfg config.Config) (*pathcompression.Plan, error) {
	format, err := pathcompression.ParseFormat(cfg.Sync.CompressionFormat)
	if err != nil {
		return nil, err
	}
	level, err := pathcompression.ParseLevel(cfg.Sync.CompressionLevel)
	if err != nil {
		return nil, err
	}
	return &pathcompression.Plan{
		Format:       format,
		Level:        level,
		BufferSizeKB: cfg.Engine.BufferSizeKB,
		// Global Flags
		DryRun:  cfg.Runtime.DryRun,
		Metrics: cfg.Engine.Metrics,
	}, nil
}

func generateRemotePlan(cfg config.Config) (*remote.Plan, error) {
	backend, err := remote.ParseBackend(cfg.Remote.Backend)
	if err != nil {
		return nil, err
	}
	return &remote.Plan{
		Backend:   backend,
		LocalRoot: cfg.Remote.LocalRoot,
		S3: remote.S3Options{
			Region:          cfg.Remote.S3.Region,
			Endpoint:        cfg.Remote.S3.Endpoint,
			AccessKeyID:     cfg.Remote.S3.AccessKeyID,
			SecretAccessKey: cfg.Remote.S3.SecretAccessKey,
			UsePathStyle:    cfg.Remote.S3.UsePathStyle,
		},
	}, nil
}

func generateTransferPlan(cfg config.Config) (*transfer.Plan, error) {
	mode, err := transfer.ParseMode(cfg.Transfer.Mode)
	if err != nil {
		return nil, err
	}
	return &transfer.Plan{
		Mode:          mode,
		Command:       append([]string(nil), cfg.Transfer.Command...),
		UploadThreads: cfg.Transfer.UploadThreads,
	}, nil
}
