package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeLocalFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", p, err)
	}
	return p
}

func newTestLocalStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "store")
	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return store, root
}

func TestLocalStore_UploadAndFind(t *testing.T) {
	ctx := context.Background()
	store, root := newTestLocalStore(t)
	src := writeLocalFile(t, t.TempDir(), "archive.tar.gz", "payload")
	dest := Destination{Project: "proj", Folder: "/run1/runs"}

	id, err := store.Upload(ctx, src, dest, "run_000.tar.gz", map[string]string{"run_id": "run1"})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	content, err := os.ReadFile(filepath.Join(root, "proj", "run1", "runs", "run_000.tar.gz"))
	if err != nil {
		t.Fatalf("uploaded object missing: %v", err)
	}
	if string(content) != "payload" {
		t.Errorf("unexpected content %q", content)
	}

	gotID, found, err := store.FindObject(ctx, dest, "run_000.tar.gz")
	if err != nil || !found {
		t.Fatalf("FindObject: found=%v err=%v", found, err)
	}
	if gotID != id {
		t.Errorf("expected id %s, got %s", id, gotID)
	}

	// Overwriting keeps the id.
	id2, err := store.Upload(ctx, src, dest, "run_000.tar.gz", nil)
	if err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}
	if id2 != id {
		t.Errorf("expected stable id %s, got %s", id, id2)
	}

	if _, found, err := store.FindObject(ctx, dest, "missing"); err != nil || found {
		t.Errorf("expected missing object, got found=%v err=%v", found, err)
	}
}

func TestLocalStore_Upload_InvalidInput(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t)
	src := writeLocalFile(t, t.TempDir(), "f", "x")

	if _, err := store.Upload(ctx, src, Destination{Project: "proj", Folder: "/"}, "a/b", nil); err == nil {
		t.Error("expected error for name with separator")
	}
	if _, err := store.Upload(ctx, src, Destination{Project: "../escape", Folder: "/"}, "f", nil); err == nil {
		t.Error("expected error for invalid project")
	}
	if _, err := store.Upload(ctx, filepath.Join(t.TempDir(), "nope"), Destination{Project: "proj", Folder: "/"}, "f", nil); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestLocalStore_Upload_Canceled(t *testing.T) {
	store, root := newTestLocalStore(t)
	src := writeLocalFile(t, t.TempDir(), "f", "content")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Upload(ctx, src, Destination{Project: "proj", Folder: "/x"}, "f", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "proj", "x"))
	if len(entries) != 0 {
		t.Errorf("expected no leftovers, found %d entries", len(entries))
	}
}

func TestLocalStore_ListFolders(t *testing.T) {
	ctx := context.Background()
	store, root := newTestLocalStore(t)

	if _, err := store.ListFolders(ctx, "proj", "/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing project, got %v", err)
	}

	for _, d := range []string{"run1/runs", "run2", ".hidden"} {
		if err := os.MkdirAll(filepath.Join(root, "proj", d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	writeLocalFile(t, filepath.Join(root, "proj"), "file.txt", "x")

	got, err := store.ListFolders(ctx, "proj", "/")
	if err != nil {
		t.Fatalf("ListFolders failed: %v", err)
	}
	if want := []string{"run1", "run2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLocalStore_SentinelLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t)
	dest := Destination{Project: "proj", Folder: "/run1/runs"}
	name := "run.run1.lane.all" + SentinelSuffix

	if _, err := store.FindSentinel(ctx, dest, "*run1*"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before creation, got %v", err)
	}

	s, err := store.CreateSentinel(ctx, dest, name, map[string]string{"run_id": "run1", "lanes": "all"})
	if err != nil {
		t.Fatalf("CreateSentinel failed: %v", err)
	}
	if s.State != SentinelOpen || s.ID == "" {
		t.Fatalf("unexpected sentinel %+v", s)
	}
	if _, err := store.CreateSentinel(ctx, dest, name, nil); err == nil {
		t.Error("expected error creating a duplicate sentinel")
	}
	if _, err := store.CreateSentinel(ctx, dest, "no-suffix", nil); err == nil {
		t.Error("expected error for name without sentinel suffix")
	}

	// Archives in the same folder never match a sentinel lookup.
	src := writeLocalFile(t, t.TempDir(), "a", "x")
	if _, err := store.Upload(ctx, src, dest, "run.run1.lane.all_000.tar.gz", nil); err != nil {
		t.Fatal(err)
	}

	found, err := store.FindSentinel(ctx, dest, "*run1*")
	if err != nil {
		t.Fatalf("FindSentinel failed: %v", err)
	}
	if found.ID != s.ID || found.Properties["lanes"] != "all" {
		t.Errorf("unexpected sentinel %+v", found)
	}

	details := map[string]any{"run_id": "run1", "tar_file_ids": []string{"file-1"}}
	if err := store.CloseSentinel(ctx, found, details); err != nil {
		t.Fatalf("CloseSentinel failed: %v", err)
	}
	if found.State != SentinelClosed {
		t.Error("expected the passed sentinel to be updated")
	}

	reread, err := store.FindSentinel(ctx, dest, "*run1*")
	if err != nil {
		t.Fatal(err)
	}
	if reread.State != SentinelClosed || reread.Details["run_id"] != "run1" {
		t.Errorf("unexpected persisted sentinel %+v", reread)
	}
}

func TestLocalStore_FindSentinel_Ambiguous(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t)
	dest := Destination{Project: "proj", Folder: "/run1/runs"}
	for _, n := range []string{"run.run1.lane.1", "run.run1.lane.2"} {
		if _, err := store.CreateSentinel(ctx, dest, n+SentinelSuffix, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.FindSentinel(ctx, dest, "*run1*"); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("expected ErrAmbiguous, got %v", err)
	}
	if s, err := store.FindSentinel(ctx, dest, "*lane.2*"); err != nil || s.Name != "run.run1.lane.2"+SentinelSuffix {
		t.Errorf("expected lane 2 sentinel, got %+v (%v)", s, err)
	}
}

func TestLocalStore_CloseSentinel_Replaced(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t)
	dest := Destination{Project: "proj", Folder: "/r"}
	s, err := store.CreateSentinel(ctx, dest, "r"+SentinelSuffix, nil)
	if err != nil {
		t.Fatal(err)
	}
	stale := *s
	stale.ID = "record-other"
	if err := store.CloseSentinel(ctx, &stale, nil); err == nil {
		t.Error("expected error closing a sentinel with a mismatched id")
	}
}

func TestLocalStore_SetProperties(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t)
	src := writeLocalFile(t, t.TempDir(), "a", "x")
	dest := Destination{Project: "proj", Folder: "/"}
	id, err := store.Upload(ctx, src, dest, "a", map[string]string{"k1": "v1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.SetProperties(ctx, "proj", id, map[string]string{"k2": "v2", "k1": "new"}); err != nil {
		t.Fatalf("SetProperties failed: %v", err)
	}
	props, err := store.Properties("proj", id)
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]string{"k1": "new", "k2": "v2"}; !reflect.DeepEqual(props, want) {
		t.Errorf("expected %v, got %v", want, props)
	}

	if err := store.SetProperties(ctx, "proj", "file-unknown", map[string]string{"a": "b"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
