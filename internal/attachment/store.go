package attachment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidName is returned for names that would escape the store directory.
var ErrInvalidName = errors.New("invalid attachment name")

// DiskStore keeps attachment bytes as files in one directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the directory if needed and returns a DiskStore over it.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create uploads dir %s: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

// Dir returns the directory files are written to.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Put writes data under name, replacing any existing file.
func (s *DiskStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write attachment %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize attachment %s: %w", name, err)
	}
	return nil
}
