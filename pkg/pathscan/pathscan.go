// Package pathscan finds the entries of a directory tree that still need to be
// archived: those never synced before, and those whose mtime moved forward
// since they were last archived.
package pathscan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/pathfilter"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
)

// Entry is a candidate for the next archive.
type Entry struct {
	AbsPath string
	ModTime time.Time
	Size    int64 // zero for directories
	IsDir   bool
}

// Fingerprints exposes the mtimes recorded for already archived paths.
type Fingerprints interface {
	LastSynced(absPath string) (time.Time, bool)
}

// FindEligible walks rootDir in lexical order and returns every entry that
// passes filter, is at least minAge old, and is either unknown or newer than
// its recorded mtime. minAge <= 0 disables the age gate. The root itself is
// never returned. Directories are always descended into, since include
// patterns may match their children.
func FindEligible(ctx context.Context, rootDir string, known Fingerprints, filter *pathfilter.Filter, minAge time.Duration, now time.Time) ([]Entry, error) {
	rootDir = filepath.Clean(rootDir)
	var eligible []Entry
	var skippedYoung, skippedSpecial int

	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == rootDir {
				return walkErr
			}
			// Entries can disappear while an instrument is still writing.
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == rootDir {
			return nil
		}
		if !filter.ShouldInclude(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("could not stat %s: %w", path, err)
		}

		if info.Mode()&(os.ModeSocket|os.ModeIrregular) != 0 {
			// tar has no representation for these.
			skippedSpecial++
			return nil
		}

		mtime := info.ModTime()
		if minAge > 0 && now.Sub(mtime) < minAge {
			skippedYoung++
			return nil
		}

		if last, ok := known.LastSynced(path); ok && !mtime.After(last) {
			return nil
		}

		e := Entry{AbsPath: path, ModTime: mtime, IsDir: d.IsDir()}
		if !e.IsDir {
			e.Size = info.Size()
		}
		eligible = append(eligible, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", rootDir, err)
	}

	plog.Debug("Scan complete", "root", rootDir, "eligible", len(eligible), "tooYoung", skippedYoung, "special", skippedSpecial)
	return eligible, nil
}

// TotalSize sums the sizes of entries.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
