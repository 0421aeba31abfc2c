// Package uploadlog keeps the crash-recoverable ledger of one synced
// directory: which paths were archived at which mtime, and how far each
// archive got on its way to the remote store.
//
// Every transition is persisted before it returns, so a crash at any point
// leaves a log that describes exactly what was done.
package uploadlog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/metafile"
	"github.com/paulschiretz/pgl-runsync/pkg/pathscan"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// ErrInvalidTransition is returned when a transition does not start from the
// status it requires.
var ErrInvalidTransition = errors.New("invalid archive status transition")

// ErrConfigMismatch is returned when a log is opened for a different
// directory, destination, prefix or pattern set than it was written for.
type ErrConfigMismatch struct {
	Field     string
	Logged    any
	Requested any
}

func (e *ErrConfigMismatch) Error() string {
	return fmt.Sprintf("upload log was written with %s=%v, but this invocation uses %v", e.Field, e.Logged, e.Requested)
}

// Identity are the invocation parameters a log is bound to.
type Identity struct {
	SyncDir         string
	TarDestination  string
	FilePrefix      string
	IncludePatterns []string
	ExcludePatterns []string
}

// FileRecord is the fingerprint of an archived path.
type FileRecord struct {
	MTime Timestamp `json:"mtime"`
	Size  int64     `json:"size"`
}

// Timestamps records when each phase of an archive started and ended.
type Timestamps struct {
	BuildStart  Timestamp `json:"build_start,omitzero"`
	BuildEnd    Timestamp `json:"build_end,omitzero"`
	UploadStart Timestamp `json:"upload_start,omitzero"`
	UploadEnd   Timestamp `json:"upload_end,omitzero"`
	RemoveStart Timestamp `json:"remove_start,omitzero"`
	RemoveEnd   Timestamp `json:"remove_end,omitzero"`
}

// ArchiveRecord tracks one archive.
type ArchiveRecord struct {
	Status     Status     `json:"status"`
	Size       int64      `json:"size"`
	Timestamps Timestamps `json:"timestamps"`
	FileID     string     `json:"fileId,omitempty"`
}

// State is the persisted form of a log.
type State struct {
	SyncDir         string                    `json:"syncDir"`
	TarDestination  string                    `json:"tarDestination"`
	FilePrefix      string                    `json:"filePrefix"`
	IncludePatterns []string                  `json:"includePatterns"`
	ExcludePatterns []string                  `json:"excludePatterns"`
	NextTarIndex    int                       `json:"nextTarIndex"`
	Files           map[string]FileRecord     `json:"files"`
	TarFiles        map[string]*ArchiveRecord `json:"tarFiles"`
}

// Archives returns the archive paths in build order.
func (s *State) Archives() []string {
	paths := make([]string, 0, len(s.TarFiles))
	for p := range s.TarFiles {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := s.TarFiles[paths[i]], s.TarFiles[paths[j]]
		if !a.Timestamps.BuildStart.Equal(b.Timestamps.BuildStart.Time) {
			return a.Timestamps.BuildStart.Before(b.Timestamps.BuildStart.Time)
		}
		return paths[i] < paths[j]
	})
	return paths
}

// FileIDs returns the object ids of every uploaded or removed archive in
// build order.
func (s *State) FileIDs() []string {
	var ids []string
	for _, p := range s.Archives() {
		rec := s.TarFiles[p]
		if (rec.Status == StatusUploaded || rec.Status == StatusRemoved) && rec.FileID != "" {
			ids = append(ids, rec.FileID)
		}
	}
	return ids
}

// Read loads the state at path without taking ownership of it.
func Read(path string) (*State, error) {
	var s State
	if err := metafile.Read(path, &s); err != nil {
		return nil, err
	}
	s.ensureMaps()
	return &s, nil
}

func (s *State) ensureMaps() {
	if s.Files == nil {
		s.Files = make(map[string]FileRecord)
	}
	if s.TarFiles == nil {
		s.TarFiles = make(map[string]*ArchiveRecord)
	}
}

// Log is an open upload log. Callers must hold the log's lock file.
type Log struct {
	mu    sync.Mutex
	path  string
	state State
}

// Open loads the log at path, or initializes and persists an empty one if it
// does not exist yet. It fails with *ErrConfigMismatch when the log belongs
// to a different invocation.
func Open(path string, id Identity) (*Log, error) {
	l := &Log{path: path}

	err := metafile.Read(path, &l.state)
	switch {
	case err == nil:
		l.state.ensureMaps()
		if err := l.state.checkIdentity(id); err != nil {
			return nil, err
		}
		plog.Debug("Loaded upload log", "path", path, "archives", len(l.state.TarFiles), "files", len(l.state.Files))
		return l, nil

	case os.IsNotExist(err):
		l.state = newState(id)
		if err := l.persist(); err != nil {
			return nil, err
		}
		plog.Info("Initialized upload log", "path", path)
		return l, nil

	default:
		return nil, fmt.Errorf("could not read upload log: %w", err)
	}
}

// Peek loads the log at path and validates it like Open, but never writes.
// A missing log yields an empty state. Dry runs plan against it.
func Peek(path string, id Identity) (*State, error) {
	s, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			fresh := newState(id)
			return &fresh, nil
		}
		return nil, fmt.Errorf("could not read upload log: %w", err)
	}
	if err := s.checkIdentity(id); err != nil {
		return nil, err
	}
	return s, nil
}

func newState(id Identity) State {
	s := State{
		SyncDir:         id.SyncDir,
		TarDestination:  id.TarDestination,
		FilePrefix:      id.FilePrefix,
		IncludePatterns: nonNil(id.IncludePatterns),
		ExcludePatterns: nonNil(id.ExcludePatterns),
	}
	s.ensureMaps()
	return s
}

// LastSynced lets a State serve as pathscan.Fingerprints.
func (s *State) LastSynced(absPath string) (time.Time, bool) {
	rec, ok := s.Files[absPath]
	return rec.MTime.Time, ok
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

func (s *State) checkIdentity(id Identity) error {
	if s.SyncDir != id.SyncDir {
		return &ErrConfigMismatch{Field: "syncDir", Logged: s.SyncDir, Requested: id.SyncDir}
	}
	if s.TarDestination != id.TarDestination {
		return &ErrConfigMismatch{Field: "tarDestination", Logged: s.TarDestination, Requested: id.TarDestination}
	}
	if s.FilePrefix != id.FilePrefix {
		return &ErrConfigMismatch{Field: "filePrefix", Logged: s.FilePrefix, Requested: id.FilePrefix}
	}
	if !util.SameStringSet(s.IncludePatterns, id.IncludePatterns) {
		return &ErrConfigMismatch{Field: "includePatterns", Logged: s.IncludePatterns, Requested: id.IncludePatterns}
	}
	if !util.SameStringSet(s.ExcludePatterns, id.ExcludePatterns) {
		return &ErrConfigMismatch{Field: "excludePatterns", Logged: s.ExcludePatterns, Requested: id.ExcludePatterns}
	}
	return nil
}

// NextArchiveIndex returns the index the next archive must be named with.
func (l *Log) NextArchiveIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.NextTarIndex
}

// LastSynced returns the mtime path had when it was last archived.
func (l *Log) LastSynced(absPath string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.state.Files[absPath]
	return rec.MTime.Time, ok
}

// Record returns a copy of the record for archive.
func (l *Log) Record(archive string) (ArchiveRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.state.TarFiles[archive]
	if !ok {
		return ArchiveRecord{}, false
	}
	return *rec, true
}

// Pending lists the archives currently at status, in build order.
func (l *Log) Pending(status Status) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, p := range l.state.Archives() {
		if l.state.TarFiles[p].Status == status {
			out = append(out, p)
		}
	}
	return out
}

// RegisterBuilt records a finished archive together with the fingerprints of
// its members and advances the archive index.
func (l *Log) RegisterBuilt(archive string, size int64, start, end time.Time, members []pathscan.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.state.TarFiles[archive]; ok {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, archive, rec.Status)
	}
	l.state.TarFiles[archive] = &ArchiveRecord{
		Status: StatusBuilt,
		Size:   size,
		Timestamps: Timestamps{
			BuildStart: At(start),
			BuildEnd:   At(end),
		},
	}
	for _, m := range members {
		l.state.Files[m.AbsPath] = FileRecord{MTime: At(m.ModTime), Size: m.Size}
	}
	l.state.NextTarIndex++
	return l.persist()
}

// MarkUploaded moves archive from built to uploaded.
func (l *Log) MarkUploaded(archive, fileID string, start, end time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.transition(archive, StatusBuilt, StatusUploaded)
	if err != nil {
		return err
	}
	rec.FileID = fileID
	rec.Timestamps.UploadStart = At(start)
	rec.Timestamps.UploadEnd = At(end)
	return l.persist()
}

// MarkRemoved moves archive from uploaded to removed.
func (l *Log) MarkRemoved(archive string, start, end time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.transition(archive, StatusUploaded, StatusRemoved)
	if err != nil {
		return err
	}
	rec.Timestamps.RemoveStart = At(start)
	rec.Timestamps.RemoveEnd = At(end)
	return l.persist()
}

func (l *Log) transition(archive string, from, to Status) (*ArchiveRecord, error) {
	rec, ok := l.state.TarFiles[archive]
	if !ok {
		return nil, fmt.Errorf("%w: unknown archive %s", ErrInvalidTransition, archive)
	}
	if rec.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, cannot move to %s", ErrInvalidTransition, archive, rec.Status, to)
	}
	rec.Status = to
	return rec, nil
}

func (l *Log) persist() error {
	if err := metafile.Write(l.path, &l.state); err != nil {
		return fmt.Errorf("could not persist upload log %s: %w", l.path, err)
	}
	return nil
}
