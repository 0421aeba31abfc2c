package metafile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testContent struct {
	Version      string            `json:"version"`
	TimestampUTC time.Time         `json:"timestampUTC"`
	Files        map[string]string `json:"files"`
}

func TestWriteAndReadMetafile(t *testing.T) {
	tempDir := t.TempDir()
	metaFilePath := filepath.Join(tempDir, "state.json")

	// 1. Test Write
	content := testContent{
		Version:      "1.0.0",
		TimestampUTC: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
		Files:        map[string]string{"a": "b"},
	}

	if err := Write(metaFilePath, &content); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if _, err := os.Stat(metaFilePath); os.IsNotExist(err) {
		t.Fatalf("Metafile was not created at %s", metaFilePath)
	}

	// 2. Test Read
	var readContent testContent
	if err := Read(metaFilePath, &readContent); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	if readContent.Version != content.Version {
		t.Errorf("Expected version %q, got %q", content.Version, readContent.Version)
	}
	if !readContent.TimestampUTC.Equal(content.TimestampUTC) {
		t.Errorf("Expected timestamp %v, got %v", content.TimestampUTC, readContent.TimestampUTC)
	}
	if readContent.Files["a"] != "b" {
		t.Errorf("Expected files map to round-trip, got %v", readContent.Files)
	}
}

func TestWriteReplacesExistingAndLeavesNoTempFiles(t *testing.T) {
	tempDir := t.TempDir()
	metaFilePath := filepath.Join(tempDir, "state.json")

	for i, v := range []string{"first", "second"} {
		if err := Write(metaFilePath, &testContent{Version: v}); err != nil {
			t.Fatalf("Write() #%d failed: %v", i, err)
		}
	}

	var got testContent
	if err := Read(metaFilePath, &got); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.Version != "second" {
		t.Errorf("expected the second write to win, got %q", got.Version)
	}

	leftovers, _ := filepath.Glob(filepath.Join(tempDir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("expected no temp files after write, found %v", leftovers)
	}
}

func TestWriteIntoMissingDirectoryFails(t *testing.T) {
	metaFilePath := filepath.Join(t.TempDir(), "missing", "state.json")
	if err := Write(metaFilePath, &testContent{}); err == nil {
		t.Fatal("expected an error writing into a missing directory, got nil")
	}
}

func TestReadNonExistentMetafile(t *testing.T) {
	var c testContent
	err := Read(filepath.Join(t.TempDir(), "state.json"), &c)
	if err == nil {
		t.Fatal("Expected an error when reading a non-existent metafile, but got nil")
	}
	if !os.IsNotExist(err) {
		t.Errorf("Expected os.IsNotExist error, got %v", err)
	}
}

func TestReadCorruptMetafile(t *testing.T) {
	metaFilePath := filepath.Join(t.TempDir(), "state.json")
	// Write some invalid JSON to simulate corruption
	if err := os.WriteFile(metaFilePath, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("Failed to write corrupt metafile: %v", err)
	}

	var c testContent
	err := Read(metaFilePath, &c)
	if err == nil {
		t.Fatal("Expected an error when reading a corrupt metafile, but got nil")
	}
	if !strings.Contains(err.Error(), "could not parse metafile") {
		t.Errorf("Expected error about parsing metafile, got %v", err)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.json")
	if ok, err := Exists(p); err != nil || ok {
		t.Fatalf("Exists on missing file = %v, %v; want false, nil", ok, err)
	}
	if err := os.WriteFile(p, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if ok, err := Exists(p); err != nil || !ok {
		t.Fatalf("Exists on present file = %v, %v; want true, nil", ok, err)
	}
}
