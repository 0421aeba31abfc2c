package transfer

import (
	"context"
	"path/filepath"

	"github.com/paulschiretz/pgl-runsync/pkg/remote"
)

// StoreUploader uploads through a remote.Store, keeping the file's base name.
type StoreUploader struct {
	store remote.Store
}

func NewStoreUploader(store remote.Store) *StoreUploader {
	return &StoreUploader{store: store}
}

func (u *StoreUploader) Upload(ctx context.Context, localPath string, dest remote.Destination) (string, error) {
	return u.store.Upload(ctx, localPath, dest, filepath.Base(localPath), nil)
}
