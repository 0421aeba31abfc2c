package pathcompression_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/pathcompression"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// createTestRunDir creates a small run folder and returns its path plus the
// absolute member paths in walk order.
func createTestRunDir(t *testing.T) (string, []string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "RUN_A")
	if err := os.MkdirAll(filepath.Join(root, "Data", "L001"), util.UserWritableDirPerms); err != nil {
		t.Fatalf("failed to create run dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "Data", "L001", "s_1_1101.bcl"), []byte("basecalls"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "RunInfo.xml"), []byte("<RunInfo/>"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	err := os.Symlink("RunInfo.xml", filepath.Join(root, "link.xml"))
	if err != nil {
		if runtime.GOOS == "windows" {
			t.Skip("Skipping test: creating symlinks on Windows requires administrator privileges or Developer Mode.")
		}
		t.Fatalf("failed to create symlink: %v", err)
	}
	return root, []string{
		filepath.Join(root, "Data"),
		filepath.Join(root, "Data", "L001"),
		filepath.Join(root, "Data", "L001", "s_1_1101.bcl"),
		filepath.Join(root, "RunInfo.xml"),
		filepath.Join(root, "link.xml"),
	}
}

// readArchive returns the headers and regular file contents of an archive.
func readArchive(t *testing.T, archivePath string, format pathcompression.Format) (map[string]*tar.Header, map[string]string) {
	t.Helper()
	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("failed to open archive %s: %v", archivePath, err)
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case pathcompression.TarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("failed to create zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	default:
		gr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("failed to create gzip reader: %v", err)
		}
		defer gr.Close()
		r = gr
	}

	headers := make(map[string]*tar.Header)
	contents := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read tar entry: %v", err)
		}
		headers[h.Name] = h
		if h.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("failed to read tar content of %s: %v", h.Name, err)
			}
			contents[h.Name] = string(b)
		}
	}
	return headers, contents
}

func TestBuild(t *testing.T) {
	for _, format := range []pathcompression.Format{pathcompression.TarGz, pathcompression.TarZst} {
		t.Run("Happy Path - "+format.String(), func(t *testing.T) {
			root, members := createTestRunDir(t)
			tarDir := t.TempDir()
			m := &metrics.SyncMetrics{}
			b := pathcompression.NewBuilder(&pathcompression.Plan{Format: format, BufferSizeKB: 64}, m)
			archive := pathcompression.ArchiveName(tarDir, "run.A.lane.all", 0, format)

			written, err := b.Build(context.Background(), root, members, archive)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if len(written) != len(members) {
				t.Fatalf("expected %d written members, got %d", len(members), len(written))
			}

			headers, contents := readArchive(t, archive, format)
			if h, ok := headers["Data/"]; !ok || h.Typeflag != tar.TypeDir {
				t.Errorf("expected a directory header for Data/, got %+v", h)
			}
			if got := contents["Data/L001/s_1_1101.bcl"]; got != "basecalls" {
				t.Errorf("unexpected content for bcl file: %q", got)
			}
			if h, ok := headers["link.xml"]; !ok || h.Typeflag != tar.TypeSymlink || h.Linkname != "RunInfo.xml" {
				t.Errorf("expected link.xml to be stored as a link, got %+v", h)
			}
			if len(headers) != len(members) {
				t.Errorf("expected exactly %d entries (non-recursive), got %d", len(members), len(headers))
			}

			for _, w := range written {
				if w.AbsPath == filepath.Join(root, "Data") && (!w.IsDir || w.Size != 0) {
					t.Errorf("expected directory member with size 0, got %+v", w)
				}
				if w.AbsPath == filepath.Join(root, "RunInfo.xml") && w.Size != int64(len("<RunInfo/>")) {
					t.Errorf("unexpected size for RunInfo.xml: %d", w.Size)
				}
			}
			if m.OriginalBytes.Load() != int64(len("basecalls")+len("<RunInfo/>")) {
				t.Errorf("unexpected original bytes %d", m.OriginalBytes.Load())
			}
			if m.CompressedBytes.Load() == 0 {
				t.Error("expected compressed bytes to be counted")
			}

			leftovers, _ := filepath.Glob(filepath.Join(tarDir, "*.tmp"))
			if len(leftovers) != 0 {
				t.Errorf("expected no temp files, found %v", leftovers)
			}
		})
	}

	t.Run("Missing Member Leaves Nothing Behind", func(t *testing.T) {
		root, members := createTestRunDir(t)
		tarDir := t.TempDir()
		b := pathcompression.NewBuilder(&pathcompression.Plan{}, nil)
		archive := pathcompression.ArchiveName(tarDir, "p", 3, pathcompression.TarGz)

		members = append(members, filepath.Join(root, "vanished.bin"))
		if _, err := b.Build(context.Background(), root, members, archive); err == nil {
			t.Fatal("expected an error for a missing member")
		}
		entries, _ := os.ReadDir(tarDir)
		if len(entries) != 0 {
			t.Errorf("expected empty tar dir after failed build, found %d entries", len(entries))
		}
	})

	t.Run("Member Outside Root", func(t *testing.T) {
		root, _ := createTestRunDir(t)
		outside := filepath.Join(t.TempDir(), "other.txt")
		if err := os.WriteFile(outside, []byte("x"), util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		b := pathcompression.NewBuilder(&pathcompression.Plan{}, nil)
		archive := pathcompression.ArchiveName(t.TempDir(), "p", 0, pathcompression.TarGz)
		if _, err := b.Build(context.Background(), root, []string{outside}, archive); err == nil {
			t.Fatal("expected an error for a member outside the root")
		}
	})

	t.Run("Cancellation", func(t *testing.T) {
		root, members := createTestRunDir(t)
		tarDir := t.TempDir()
		b := pathcompression.NewBuilder(&pathcompression.Plan{Format: pathcompression.TarZst}, nil)
		archive := pathcompression.ArchiveName(tarDir, "p", 0, pathcompression.TarZst)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.Build(ctx, root, members, archive)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if _, err := os.Stat(archive); !os.IsNotExist(err) {
			t.Error("archive file was left over after cancellation")
		}
	})
}

func TestArchiveName(t *testing.T) {
	got := pathcompression.ArchiveName("/tmp/tars", "run.A.lane.1", 7, pathcompression.TarZst)
	want := filepath.Join("/tmp/tars", "run.A.lane.1_007.tar.zst")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCleanupTempFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]bool{
		"run.A.lane.all_000.tar.gz.123.tmp":       true,
		"run.A.lane.all_012.tar.zst.77.tmp":       true,
		"run.A.lane.all_001.tar.gz":               false,
		"run.B.lane.all_000.tar.gz.456.tmp":       false,
		"run.A.lane.all_2_000.tar.gz.789.tmp":     false,
		"run.A.lane.all_extra_003.tar.gz.999.tmp": false,
		"run.A.lane.all_004.log.1.tmp":            false,
		"unrelated.tmp":                           false,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), nil, util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := pathcompression.CleanupTempFiles(dir, "run.A.lane.all")
	if err != nil {
		t.Fatalf("CleanupTempFiles failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed files, got %d", removed)
	}
	for name, shouldBeGone := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if shouldBeGone && !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed", name)
		}
		if !shouldBeGone && err != nil {
			t.Errorf("expected %s to survive, got %v", name, err)
		}
	}
}

func TestParseFormatAndLevel(t *testing.T) {
	testCases := []struct {
		in      string
		want    pathcompression.Format
		wantErr bool
	}{
		{"", pathcompression.TarGz, false},
		{"tar.gz", pathcompression.TarGz, false},
		{"tar.zst", pathcompression.TarZst, false},
		{"zip", "", true},
	}
	for _, tc := range testCases {
		got, err := pathcompression.ParseFormat(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := pathcompression.ParseLevel("ludicrous"); err == nil || !strings.Contains(err.Error(), "invalid compression level") {
		t.Errorf("expected invalid level error, got %v", err)
	}
	if l, err := pathcompression.ParseLevel(""); err != nil || l != pathcompression.Default {
		t.Errorf("expected default level for empty string, got %q, %v", l, err)
	}
}
