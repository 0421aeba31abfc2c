package planner_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/config"
	"github.com/paulschiretz/pgl-runsync/pkg/pathcompression"
	"github.com/paulschiretz/pgl-runsync/pkg/pathscan"
	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/transfer"
)

func entries(sizes ...int64) []pathscan.Entry {
	out := make([]pathscan.Entry, len(sizes))
	for i, s := range sizes {
		out[i] = pathscan.Entry{AbsPath: string(rune('a' + i)), Size: s}
	}
	return out
}

func batchSizes(batches []planner.Batch) [][]int64 {
	var out [][]int64
	for _, b := range batches {
		var sizes []int64
		for _, e := range b.Entries {
			sizes = append(sizes, e.Size)
		}
		out = append(out, sizes)
	}
	return out
}

func TestPlanBatches(t *testing.T) {
	tests := []struct {
		name     string
		sizes    []int64
		min, max int64
		want     [][]int64
	}{
		{
			name:  "Three 2KB Files Max 4096",
			sizes: []int64{2048, 2048, 2048},
			min:   0, max: 4096,
			want: [][]int64{{2048, 2048}, {2048}},
		},
		{
			name:  "Oversize Entry Forms Its Own Batch",
			sizes: []int64{10, 5000, 10},
			min:   0, max: 100,
			want: [][]int64{{10}, {5000}, {10}},
		},
		{
			name:  "Oversize First Entry",
			sizes: []int64{5000, 10, 10},
			min:   0, max: 100,
			want: [][]int64{{5000}, {10, 10}},
		},
		{
			name:  "Total Below Minimum",
			sizes: []int64{10, 10, 10},
			min:   100, max: 1000,
			want: nil,
		},
		{
			name:  "Total Exactly Minimum",
			sizes: []int64{50, 50},
			min:   100, max: 1000,
			want: [][]int64{{50, 50}},
		},
		{
			name:  "Directories Carry No Size",
			sizes: []int64{0, 0, 60},
			min:   0, max: 50,
			want: [][]int64{{0, 0}, {60}},
		},
		{
			name:  "Empty Input",
			sizes: nil,
			min:   0, max: 10,
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			batches, err := planner.PlanBatches(entries(tc.sizes...), tc.min, tc.max)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := batchSizes(batches); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
			for _, b := range batches {
				var sum int64
				for _, e := range b.Entries {
					sum += e.Size
				}
				if sum != b.TotalBytes {
					t.Errorf("batch total %d does not match member sum %d", b.TotalBytes, sum)
				}
				if b.TotalBytes > tc.max && len(b.Entries) != 1 {
					t.Errorf("batch of %d entries exceeds max with %d bytes", len(b.Entries), b.TotalBytes)
				}
			}
		})
	}
}

func TestPlanBatches_InvalidBounds(t *testing.T) {
	for _, bounds := range [][2]int64{{10, 10}, {10, 5}} {
		_, err := planner.PlanBatches(entries(1), bounds[0], bounds[1])
		if !errors.Is(err, planner.ErrInvalidBatchBounds) {
			t.Errorf("bounds %v: expected ErrInvalidBatchBounds, got %v", bounds, err)
		}
	}
}

func TestBatch_Paths(t *testing.T) {
	b := planner.Batch{Entries: entries(1, 2)}
	if got := b.Paths(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("unexpected paths %v", got)
	}
}

func TestGenerateSyncPlan(t *testing.T) {
	tests := []struct {
		name        string
		configMod   func(*config.Config)
		expectError bool
		validate    func(*testing.T, *planner.SyncPlan)
	}{
		{
			name:      "Defaults",
			configMod: func(c *config.Config) {},
			validate: func(t *testing.T, p *planner.SyncPlan) {
				if p.Mode != planner.Incremental {
					t.Errorf("expected incremental mode, got %s", p.Mode)
				}
				if p.MaxBatchBytes != 75*1024*1024 || p.MinBatchBytes != 0 {
					t.Errorf("unexpected batch bounds %d/%d", p.MinBatchBytes, p.MaxBatchBytes)
				}
				if p.Destination != (remote.Destination{Project: "proj", Folder: "/A/runs"}) {
					t.Errorf("unexpected destination %+v", p.Destination)
				}
				if p.Compression.Format != pathcompression.TarGz || p.Compression.BufferSizeKB != 256 {
					t.Errorf("unexpected compression plan %+v", p.Compression)
				}
				if p.Remote.Backend != remote.Local || p.Transfer.Mode != transfer.Store {
					t.Errorf("unexpected backend %s / transfer %s", p.Remote.Backend, p.Transfer.Mode)
				}
				if !p.Preflight.SyncDirAccessible || !p.Preflight.TarDirWritable || !p.Preflight.LogDirWritable {
					t.Errorf("expected all preflight checks enabled, got %+v", p.Preflight)
				}
			},
		},
		{
			name: "Finish With Overrides",
			configMod: func(c *config.Config) {
				c.Runtime.Finish = true
				c.Runtime.DryRun = true
				c.Sync.MinAgeSeconds = 30
				c.Sync.MinSizeMB = 2
				c.Sync.CompressionFormat = "tar.zst"
				c.Sync.Exclude = []string{"Images"}
				c.Remote.Backend = "s3"
				c.Remote.S3.Region = "eu-west-1"
			},
			validate: func(t *testing.T, p *planner.SyncPlan) {
				if p.Mode != planner.Finish || !p.DryRun || !p.Preflight.DryRun {
					t.Errorf("expected dry-run finish plan, got mode %s dry-run %v", p.Mode, p.DryRun)
				}
				if p.MinAge != 30*time.Second || p.MinBatchBytes != 2*1024*1024 {
					t.Errorf("unexpected gates %s / %d", p.MinAge, p.MinBatchBytes)
				}
				if p.Compression.Format != pathcompression.TarZst {
					t.Errorf("expected tar.zst, got %s", p.Compression.Format)
				}
				if !reflect.DeepEqual(p.Exclude, []string{"Images"}) {
					t.Errorf("unexpected exclude %v", p.Exclude)
				}
				if p.Remote.Backend != remote.S3 || p.Remote.S3.Region != "eu-west-1" {
					t.Errorf("unexpected remote plan %+v", p.Remote)
				}
			},
		},
		{
			name:        "Invalid Destination",
			configMod:   func(c *config.Config) { c.Runtime.Destination = "no-colon" },
			expectError: true,
		},
		{
			name:        "Invalid Compression Level",
			configMod:   func(c *config.Config) { c.Sync.CompressionLevel = "ultra" },
			expectError: true,
		},
		{
			name:        "Invalid Transfer Mode",
			configMod:   func(c *config.Config) { c.Transfer.Mode = "ftp" },
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefault()
			cfg.Runtime.SyncDir = "/data/A"
			cfg.Runtime.Destination = "proj:/A/runs"
			cfg.Runtime.LogFile = "/logs/A.log"
			cfg.Runtime.Prefix = "run.A.lane.all"
			tc.configMod(&cfg)

			plan, err := planner.GenerateSyncPlan(cfg)
			if tc.expectError {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.validate(t, plan)
		})
	}
}

func TestGenerateRunPlan(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Remote.Project = "proj"
	cfg.Runtime.RunDir = "/runs/R1"
	cfg.Run.RunLength = "2d"
	cfg.Run.SeqIntervals = 3
	cfg.Run.NumLanes = 8
	cfg.Transfer.Mode = "exec"
	cfg.Transfer.Command = []string{"ua", "{file}"}

	plan, err := planner.GenerateRunPlan(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.RunDuration != 48*time.Hour {
		t.Errorf("expected 48h run duration, got %s", plan.RunDuration)
	}
	if got := plan.WaitBudget(); got != 144*time.Hour {
		t.Errorf("expected 144h wait budget, got %s", got)
	}
	if plan.SyncInterval != 1800*time.Second || plan.RetryWait != 10*time.Second || plan.Retries != 3 {
		t.Errorf("unexpected timing %s / %s / %d", plan.SyncInterval, plan.RetryWait, plan.Retries)
	}
	if plan.MinAge != 1000*time.Second || plan.MaxBatchBytes != 10000*1024*1024 {
		t.Errorf("unexpected gates %s / %d", plan.MinAge, plan.MaxBatchBytes)
	}
	if plan.NumLanes != 8 || plan.Project != "proj" || plan.RunDir != "/runs/R1" {
		t.Errorf("unexpected run settings %+v", plan)
	}
	if plan.Transfer.Mode != transfer.Exec || !reflect.DeepEqual(plan.Transfer.Command, []string{"ua", "{file}"}) {
		t.Errorf("unexpected transfer plan %+v", plan.Transfer)
	}

	cfg.Run.RunLength = "soon"
	if _, err := planner.GenerateRunPlan(cfg); err == nil {
		t.Error("expected error for unparseable run length")
	}
}

func TestGenerateMonitorPlan(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Remote.Project = "proj"
	cfg.Runtime.RunDir = "/ignored"
	cfg.Runtime.Once = true
	cfg.Monitor.Directory = "/runs"
	cfg.Monitor.StreamingWorkers = 4
	cfg.Monitor.MetricsAddr = ":9100"

	plan, err := planner.GenerateMonitorPlan(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Directory != "/runs" || plan.StreamingWorkers != 4 || !plan.Once || plan.MetricsAddr != ":9100" {
		t.Errorf("unexpected monitor plan %+v", plan)
	}
	if plan.Run == nil || plan.Run.RunDir != "" || plan.Run.Project != "proj" {
		t.Errorf("unexpected run template %+v", plan.Run)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := planner.ParseMode("finish"); err != nil || m != planner.Finish {
		t.Errorf("expected finish, got %v (%v)", m, err)
	}
	if _, err := planner.ParseMode("snapshot"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if planner.ModeFor(true) != planner.Finish || planner.ModeFor(false) != planner.Incremental {
		t.Error("ModeFor mapped the finish flag incorrectly")
	}
}
