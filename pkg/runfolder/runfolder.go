// Package runfolder recognizes sequencing run folders and tells how far along
// they are.
package runfolder

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	RunInfoFile     = "RunInfo.xml"
	SampleSheetFile = "SampleSheet.csv"
)

var completionMarkers = []string{"RTAComplete.txt", "RTAComplete.xml"}

// novaseqCompletionMarker is written by NovaSeq instruments once the copy to
// the output folder is finished.
const novaseqCompletionMarker = "CopyComplete.txt"

// RunFolder is a classified candidate directory.
type RunFolder struct {
	Name  string
	Path  string
	Class Classification
}

// Classify decides the state of the run folder at dir. A folder without a
// RunInfo.xml is not a run. A run with a completion marker is complete. An
// incomplete run whose RunInfo.xml is older than expected*intervals is stale.
// A non-positive budget never marks a run stale.
func Classify(dir string, expected time.Duration, intervals int, novaseq bool, now time.Time) (Classification, error) {
	info, err := os.Stat(filepath.Join(dir, RunInfoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return NotARun, nil
		}
		return NotARun, fmt.Errorf("cannot stat %s in %s: %w", RunInfoFile, dir, err)
	}
	if !info.Mode().IsRegular() {
		return NotARun, nil
	}

	if IsComplete(dir, novaseq) {
		return Complete, nil
	}

	budget := expected * time.Duration(intervals)
	if budget > 0 && now.Sub(info.ModTime()) > budget {
		return Stale, nil
	}
	return InProgress, nil
}

// IsComplete reports whether the instrument has finished writing dir.
func IsComplete(dir string, novaseq bool) bool {
	markers := completionMarkers
	if novaseq {
		markers = append(markers[:len(markers):len(markers)], novaseqCompletionMarker)
	}
	for _, m := range markers {
		if info, err := os.Stat(filepath.Join(dir, m)); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

// ListCandidates classifies every non-hidden subdirectory of base, sorted by
// name.
func ListCandidates(base string, expected time.Duration, intervals int, novaseq bool, now time.Time) ([]RunFolder, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("failed to list run folders in %s: %w", base, err)
	}

	var folders []RunFolder
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(base, e.Name())
		// Follow symlinks: instruments often link run folders into the watched directory.
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		class, err := Classify(path, expected, intervals, novaseq, now)
		if err != nil {
			return nil, err
		}
		folders = append(folders, RunFolder{Name: e.Name(), Path: path, Class: class})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

type runInfoDoc struct {
	Run struct {
		ID string `xml:"Id,attr"`
	} `xml:"Run"`
}

// ReadRunID returns the Id attribute of the Run element in dir/RunInfo.xml.
func ReadRunID(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, RunInfoFile))
	if err != nil {
		return "", fmt.Errorf("failed to read run info: %w", err)
	}
	var doc runInfoDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("failed to parse %s in %s: %w", RunInfoFile, dir, err)
	}
	id := strings.TrimSpace(doc.Run.ID)
	if id == "" {
		return "", fmt.Errorf("%s in %s has no Run Id", RunInfoFile, dir)
	}
	if strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("run id %q in %s contains a path separator", id, dir)
	}
	return id, nil
}
