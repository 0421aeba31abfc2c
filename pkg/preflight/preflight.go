// Package preflight provides checks that run before a sync begins, so that a
// misconfigured host fails early with a readable error instead of halfway
// through building an archive.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

const writeTestFileName = ".pgl-runsync-writetest.tmp"

// Run executes the checks enabled in plan. In dry-run mode directories are
// not created and only their accessibility is checked.
func Run(plan *Plan, syncDir, tarDir, logDir string) error {
	if plan.SyncDirAccessible {
		if err := CheckSyncDirAccessible(syncDir); err != nil {
			return err
		}
	}
	for _, c := range []struct {
		enabled bool
		dir     string
	}{
		{plan.TarDirWritable, tarDir},
		{plan.LogDirWritable, logDir},
	} {
		if !c.enabled {
			continue
		}
		if plan.DryRun {
			plog.Debug("[DRY RUN] Skipping write test", "dir", c.dir)
			continue
		}
		if err := CheckDirWritable(c.dir); err != nil {
			return err
		}
	}
	return nil
}

// CheckSyncDirAccessible validates that the directory to sync exists and is a directory.
func CheckSyncDirAccessible(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("sync directory %s does not exist", dir)
		}
		return fmt.Errorf("cannot stat sync directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sync path %s is not a directory", dir)
	}
	return nil
}

// CheckDirWritable ensures dir exists, creating it if needed, and is writable
// by creating and deleting a temporary file.
func CheckDirWritable(dir string) error {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile := filepath.Join(dir, writeTestFileName)
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}
