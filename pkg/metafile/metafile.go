// Package metafile reads and writes small JSON documents that must survive a
// crash at any point. Writes go to a temp file in the target's directory, are
// fsynced, and then renamed over the target, so readers only ever observe the
// previous or the next complete document.
package metafile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// Write marshals content and atomically replaces filePath with it.
func Write(filePath string, content any) (retErr error) {
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal meta data: %w", err)
	}

	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file for %s: %w", filePath, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(jsonData); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("could not sync meta file %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not set permissions on %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close meta file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("could not move meta file into place at %s: %w", filePath, err)
	}
	return nil
}

// Read opens and parses filePath into content.
// A missing file is returned unwrapped so os.IsNotExist works for the caller.
func Read(filePath string, content any) error {
	metaFile, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer metaFile.Close()

	decoder := json.NewDecoder(metaFile)
	if err := decoder.Decode(content); err != nil {
		return fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", filePath, err)
	}
	return nil
}

// Exists reports whether filePath exists. Any error other than "not exist"
// is returned.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
