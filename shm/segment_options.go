package shm

import (
	"errors"
	"os"
	"path/filepath"
)

// SegmentHeader is the offset of the data block inside a mapped segment. The
// state block sits alone on the first cache line.
const SegmentHeader = 64

// SegmentOptions configures OpenRegion.
type SegmentOptions struct {
	// Path of the backing file. Empty means DefaultSegmentPath(Name).
	Path string
	Name string

	// Capacity of the data block, used when creating.
	Capacity int
	Create   bool
}

// DefaultSegmentPath returns /dev/shm/<name>, or a temp dir path when
// /dev/shm is missing.
func DefaultSegmentPath(name string) string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

func (o SegmentOptions) path() (string, error) {
	if o.Path != "" {
		return filepath.Clean(o.Path), nil
	}
	if o.Name == "" {
		return "", errors.New("shm: segment path or name required")
	}
	return DefaultSegmentPath(o.Name), nil
}
