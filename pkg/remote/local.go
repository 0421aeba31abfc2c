package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-runsync/pkg/metafile"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// indexDirName holds per-object metadata, one JSON file per object id, below
// the store root and outside every project.
const indexDirName = ".pgl-runsync-index"

// LocalStore is a Store on a local or mounted filesystem. Each project is a
// directory below the root.
type LocalStore struct {
	root string
}

type localObject struct {
	ID         string            `json:"id"`
	Folder     string            `json:"folder"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewLocalStore opens the store at root, creating the directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local store root cannot be empty")
	}
	if err := os.MkdirAll(root, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create local store root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) projectDir(project string) (string, error) {
	if project == "" || project == "." || project == ".." || strings.ContainsAny(project, `/\`) || strings.HasPrefix(project, ".") {
		return "", fmt.Errorf("invalid project name %q", project)
	}
	return filepath.Join(s.root, project), nil
}

func (s *LocalStore) folderPath(project, folder string) (string, error) {
	dir, err := s.projectDir(project)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(path.Clean("/"+folder))), nil
}

func (s *LocalStore) indexPath(project, id string) string {
	return filepath.Join(s.root, indexDirName, project, id+".json")
}

// objectID derives a stable id from the object's location, so overwriting an
// object keeps its id.
func objectID(dest Destination, name string) string {
	return "file-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(dest.Project+":"+path.Join(dest.Folder, name))).String()
}

func (s *LocalStore) Upload(ctx context.Context, localPath string, dest Destination, name string, props map[string]string) (_ string, retErr error) {
	if strings.ContainsAny(name, `/\`) || name == "" {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	dir, err := s.folderPath(dest.Project, dest.Folder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", dest, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp object: %w", err)
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp object: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("failed to move object into place: %w", err)
	}

	id := objectID(dest, name)
	obj := localObject{ID: id, Folder: dest.Folder, Name: name, Properties: mergeProps(nil, props)}
	if err := s.writeIndex(dest.Project, &obj); err != nil {
		return "", err
	}
	plog.Debug("Stored object", "dest", dest.String(), "name", name, "id", id)
	return id, nil
}

func (s *LocalStore) writeIndex(project string, obj *localObject) error {
	p := s.indexPath(project, obj.ID)
	if err := os.MkdirAll(filepath.Dir(p), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create object index: %w", err)
	}
	return metafile.Write(p, obj)
}

func (s *LocalStore) FindObject(ctx context.Context, dest Destination, name string) (string, bool, error) {
	dir, err := s.folderPath(dest.Project, dest.Folder)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up %s in %s: %w", name, dest, err)
	}
	if !info.Mode().IsRegular() || strings.HasSuffix(name, SentinelSuffix) {
		return "", false, nil
	}
	return objectID(dest, name), true, nil
}

func (s *LocalStore) ListFolders(ctx context.Context, project, root string) ([]string, error) {
	dir, err := s.folderPath(project, root)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("folder %s:%s: %w", project, root, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to list %s:%s: %w", project, root, err)
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			folders = append(folders, e.Name())
		}
	}
	return folders, nil
}

func (s *LocalStore) FindSentinel(ctx context.Context, dest Destination, nameGlob string) (*Sentinel, error) {
	dir, err := s.folderPath(dest.Project, dest.Folder)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sentinel %s in %s: %w", nameGlob, dest, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to list %s: %w", dest, err)
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := matchSentinel(nameGlob, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("sentinel %s in %s: %w", nameGlob, dest, ErrNotFound)
	case 1:
	default:
		return nil, fmt.Errorf("sentinel %s in %s matched %v: %w", nameGlob, dest, matches, ErrAmbiguous)
	}

	var sentinel Sentinel
	if err := metafile.Read(filepath.Join(dir, matches[0]), &sentinel); err != nil {
		return nil, fmt.Errorf("failed to read sentinel %s: %w", matches[0], err)
	}
	return &sentinel, nil
}

func (s *LocalStore) CreateSentinel(ctx context.Context, dest Destination, name string, props map[string]string) (*Sentinel, error) {
	if err := validateSentinelName(name); err != nil {
		return nil, err
	}
	dir, err := s.folderPath(dest.Project, dest.Folder)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", dest, err)
	}
	if ok, err := metafile.Exists(filepath.Join(dir, name)); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("sentinel %s already exists in %s", name, dest)
	}

	sentinel := &Sentinel{
		ID:         "record-" + uuid.NewString(),
		Project:    dest.Project,
		Folder:     dest.Folder,
		Name:       name,
		State:      SentinelOpen,
		Properties: mergeProps(nil, props),
	}
	if err := metafile.Write(filepath.Join(dir, name), sentinel); err != nil {
		return nil, fmt.Errorf("failed to write sentinel: %w", err)
	}
	return sentinel, nil
}

func (s *LocalStore) CloseSentinel(ctx context.Context, sentinel *Sentinel, details map[string]any) error {
	dir, err := s.folderPath(sentinel.Project, sentinel.Folder)
	if err != nil {
		return err
	}
	p := filepath.Join(dir, sentinel.Name)

	var stored Sentinel
	if err := metafile.Read(p, &stored); err != nil {
		return fmt.Errorf("failed to read sentinel %s: %w", sentinel.Name, err)
	}
	if stored.ID != sentinel.ID {
		return fmt.Errorf("sentinel %s was replaced (id %s, expected %s)", sentinel.Name, stored.ID, sentinel.ID)
	}
	stored.State = SentinelClosed
	stored.Details = details
	if err := metafile.Write(p, &stored); err != nil {
		return fmt.Errorf("failed to close sentinel: %w", err)
	}
	*sentinel = stored
	return nil
}

func (s *LocalStore) SetProperties(ctx context.Context, project, id string, props map[string]string) error {
	if _, err := s.projectDir(project); err != nil {
		return err
	}
	p := s.indexPath(project, id)
	var obj localObject
	if err := metafile.Read(p, &obj); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("object %s in %s: %w", id, project, ErrNotFound)
		}
		return err
	}
	obj.Properties = mergeProps(obj.Properties, props)
	return s.writeIndex(project, &obj)
}

// Properties returns the properties of object id.
func (s *LocalStore) Properties(project, id string) (map[string]string, error) {
	var obj localObject
	if err := metafile.Read(s.indexPath(project, id), &obj); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s in %s: %w", id, project, ErrNotFound)
		}
		return nil, err
	}
	return obj.Properties, nil
}

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ Store = (*LocalStore)(nil)
