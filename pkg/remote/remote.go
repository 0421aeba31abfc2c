// Package remote abstracts the object store run archives are uploaded to.
//
// Objects live in a project under a slash separated folder. Besides plain
// files a store keeps upload sentinels: small records whose open or closed
// state tells whether a run upload has been finalized.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// SentinelSuffix terminates the name of every sentinel. Stores use it to tell
// sentinels apart from uploaded archives in the same folder.
const SentinelSuffix = ".upload_sentinel"

var (
	// ErrNotFound is returned when a folder, object or sentinel does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when a lookup that must be unique matched more than once.
	ErrAmbiguous = errors.New("ambiguous match")
)

// SentinelState is the lifecycle state of a sentinel.
type SentinelState string

const (
	SentinelOpen   SentinelState = "open"
	SentinelClosed SentinelState = "closed"
)

// Sentinel marks a run (or one lane of a run) being uploaded.
type Sentinel struct {
	ID         string            `json:"id"`
	Project    string            `json:"project"`
	Folder     string            `json:"folder"`
	Name       string            `json:"name"`
	State      SentinelState     `json:"state"`
	Properties map[string]string `json:"properties,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
}

// Store is the capability the sync engine and the monitor need from an
// object store.
type Store interface {
	// Upload creates or overwrites dest/name with the content of localPath.
	Upload(ctx context.Context, localPath string, dest Destination, name string, props map[string]string) (string, error)
	// FindObject looks up dest/name.
	FindObject(ctx context.Context, dest Destination, name string) (id string, found bool, err error)
	// ListFolders returns the base names of the folders directly below root.
	// It returns ErrNotFound when root does not exist.
	ListFolders(ctx context.Context, project, root string) ([]string, error)
	// FindSentinel returns the single sentinel in dest whose name matches
	// nameGlob. Zero matches yield ErrNotFound, several ErrAmbiguous.
	FindSentinel(ctx context.Context, dest Destination, nameGlob string) (*Sentinel, error)
	// CreateSentinel creates an open sentinel, creating dest as needed.
	CreateSentinel(ctx context.Context, dest Destination, name string, props map[string]string) (*Sentinel, error)
	// CloseSentinel attaches details to s and closes it.
	CloseSentinel(ctx context.Context, s *Sentinel, details map[string]any) error
	// SetProperties merges props into the properties of object id.
	SetProperties(ctx context.Context, project, id string, props map[string]string) error
}

// Destination is a folder in a project, written as "project:/folder".
type Destination struct {
	Project string
	Folder  string
}

// ParseDestination parses "project:/folder". The folder must be absolute.
func ParseDestination(s string) (Destination, error) {
	project, folder, ok := strings.Cut(s, ":")
	if !ok || project == "" {
		return Destination{}, fmt.Errorf("invalid destination %q: expected project:/folder", s)
	}
	if !strings.HasPrefix(folder, "/") {
		return Destination{}, fmt.Errorf("invalid destination %q: folder must start with '/'", s)
	}
	return Destination{Project: project, Folder: path.Clean(folder)}, nil
}

func (d Destination) String() string {
	return d.Project + ":" + d.Folder
}

// Join returns the destination of a subfolder.
func (d Destination) Join(elem ...string) Destination {
	return Destination{Project: d.Project, Folder: path.Join(append([]string{d.Folder}, elem...)...)}
}

func validateSentinelName(name string) error {
	if !strings.HasSuffix(name, SentinelSuffix) || strings.Contains(name, "/") {
		return fmt.Errorf("invalid sentinel name %q: must be a base name ending in %s", name, SentinelSuffix)
	}
	return nil
}

// matchSentinel reports whether the object name is a sentinel matching glob.
func matchSentinel(glob, name string) (bool, error) {
	if !strings.HasSuffix(name, SentinelSuffix) {
		return false, nil
	}
	ok, err := path.Match(glob, name)
	if err != nil {
		return false, fmt.Errorf("invalid sentinel pattern %q: %w", glob, err)
	}
	return ok, nil
}

func mergeProps(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
