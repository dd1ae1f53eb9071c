package upload

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ArchiveStore persists the uploaded archive to the volume shared with the
// converter.
type ArchiveStore interface {
	Write(id uuid.UUID, data []byte) (string, error)
}

// DiskStore writes archives under a root directory as <business-id>.tar.gz.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

// Write stores the archive with create-new semantics; the business id's
// uniqueness makes the filename exclusive, so an existing file is an error,
// not something to overwrite. The file is synced to disk before the path is
// returned.
func (s *DiskStore) Write(id uuid.UUID, data []byte) (string, error) {
	path := filepath.Join(s.root, id.String()+".tar.gz")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrStorageIO, path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %v", ErrStorageIO, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: sync %s: %v", ErrStorageIO, path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", ErrStorageIO, path, err)
	}

	return path, nil
}
