package runfolder_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/runfolder"
)

const runInfoXML = `<?xml version="1.0"?>
<RunInfo Version="2">
  <Run Id="240301_M00123_0042_000000000-ABCDE" Number="42">
    <Flowcell>000000000-ABCDE</Flowcell>
  </Run>
</RunInfo>`

func makeRun(t *testing.T, base, name string, markers ...string) string {
	t.Helper()
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, runfolder.RunInfoFile), []byte(runInfoXML), 0644); err != nil {
		t.Fatal(err)
	}
	for _, m := range markers {
		if err := os.WriteFile(filepath.Join(dir, m), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestClassify(t *testing.T) {
	now := time.Now()
	expected := 24 * time.Hour

	testCases := []struct {
		name      string
		setup     func(t *testing.T, base string) string
		novaseq   bool
		wantClass runfolder.Classification
	}{
		{
			name: "No RunInfo",
			setup: func(t *testing.T, base string) string {
				dir := filepath.Join(base, "plain")
				os.MkdirAll(dir, 0755)
				return dir
			},
			wantClass: runfolder.NotARun,
		},
		{
			name:      "Fresh Run In Progress",
			setup:     func(t *testing.T, base string) string { return makeRun(t, base, "run") },
			wantClass: runfolder.InProgress,
		},
		{
			name:      "RTAComplete.txt",
			setup:     func(t *testing.T, base string) string { return makeRun(t, base, "run", "RTAComplete.txt") },
			wantClass: runfolder.Complete,
		},
		{
			name:      "RTAComplete.xml",
			setup:     func(t *testing.T, base string) string { return makeRun(t, base, "run", "RTAComplete.xml") },
			wantClass: runfolder.Complete,
		},
		{
			name:      "CopyComplete Without Novaseq",
			setup:     func(t *testing.T, base string) string { return makeRun(t, base, "run", "CopyComplete.txt") },
			wantClass: runfolder.InProgress,
		},
		{
			name:      "CopyComplete With Novaseq",
			setup:     func(t *testing.T, base string) string { return makeRun(t, base, "run", "CopyComplete.txt") },
			novaseq:   true,
			wantClass: runfolder.Complete,
		},
		{
			name: "Stale Run",
			setup: func(t *testing.T, base string) string {
				dir := makeRun(t, base, "run")
				old := now.Add(-49 * time.Hour)
				if err := os.Chtimes(filepath.Join(dir, runfolder.RunInfoFile), old, old); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			wantClass: runfolder.Stale,
		},
		{
			name: "Old But Complete Run",
			setup: func(t *testing.T, base string) string {
				dir := makeRun(t, base, "run", "RTAComplete.txt")
				old := now.Add(-100 * time.Hour)
				os.Chtimes(filepath.Join(dir, runfolder.RunInfoFile), old, old)
				return dir
			},
			wantClass: runfolder.Complete,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := tc.setup(t, t.TempDir())
			got, err := runfolder.Classify(dir, expected, 2, tc.novaseq, now)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got != tc.wantClass {
				t.Errorf("expected %s, got %s", tc.wantClass, got)
			}
		})
	}

	t.Run("Zero Budget Never Stale", func(t *testing.T) {
		dir := makeRun(t, t.TempDir(), "run")
		old := now.Add(-1000 * time.Hour)
		os.Chtimes(filepath.Join(dir, runfolder.RunInfoFile), old, old)
		got, err := runfolder.Classify(dir, 0, 2, false, now)
		if err != nil || got != runfolder.InProgress {
			t.Errorf("expected in progress, got %s (%v)", got, err)
		}
	})
}

func TestListCandidates(t *testing.T) {
	base := t.TempDir()
	makeRun(t, base, "B_run")
	makeRun(t, base, "A_run", "RTAComplete.txt")
	makeRun(t, base, ".hidden_run")
	os.MkdirAll(filepath.Join(base, "scratch"), 0755)
	os.WriteFile(filepath.Join(base, "notes.txt"), nil, 0644)

	got, err := runfolder.ListCandidates(base, time.Hour, 2, false, time.Now())
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	want := []runfolder.RunFolder{
		{Name: "A_run", Path: filepath.Join(base, "A_run"), Class: runfolder.Complete},
		{Name: "B_run", Path: filepath.Join(base, "B_run"), Class: runfolder.InProgress},
		{Name: "scratch", Path: filepath.Join(base, "scratch"), Class: runfolder.NotARun},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	if _, err := runfolder.ListCandidates(filepath.Join(base, "missing"), time.Hour, 2, false, time.Now()); err == nil {
		t.Error("expected an error for a missing base directory")
	}
}

func TestReadRunID(t *testing.T) {
	dir := makeRun(t, t.TempDir(), "run")
	id, err := runfolder.ReadRunID(dir)
	if err != nil {
		t.Fatalf("ReadRunID failed: %v", err)
	}
	if id != "240301_M00123_0042_000000000-ABCDE" {
		t.Errorf("unexpected run id %q", id)
	}

	noID := t.TempDir()
	os.WriteFile(filepath.Join(noID, runfolder.RunInfoFile), []byte(`<RunInfo><Run Number="1"/></RunInfo>`), 0644)
	if _, err := runfolder.ReadRunID(noID); err == nil {
		t.Error("expected an error for a missing Run Id")
	}

	if _, err := runfolder.ReadRunID(t.TempDir()); err == nil {
		t.Error("expected an error for a missing RunInfo.xml")
	}
}

func TestParseDuration(t *testing.T) {
	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"30s", 30 * time.Second, false},
		{"15m", 15 * time.Minute, false},
		{"2d", 48 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"1M", 30 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"1500", 1500 * time.Millisecond, false},
		{" 3h ", 3 * time.Hour, false},
		{"", 0, true},
		{"1.5h", 0, true},
		{"-1h", 0, true},
		{"1x", 0, true},
		{"h", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := runfolder.ParseDuration(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestClassificationString(t *testing.T) {
	want := map[runfolder.Classification]string{
		runfolder.NotARun:    "not_a_run",
		runfolder.InProgress: "in_progress",
		runfolder.Complete:   "complete",
		runfolder.Stale:      "stale",
		runfolder.Stale + 1:  "unknown_classification(4)",
	}
	for c, s := range want {
		if c.String() != s {
			t.Errorf("Classification(%d).String() = %q, want %q", int(c), c.String(), s)
		}
	}
}
