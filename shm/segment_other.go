//go:build !unix

package shm

// OpenRegion is not available without mmap; use Allocate.
func OpenRegion(opts SegmentOptions) (*Region, error) {
	return nil, ErrUnsupported
}
