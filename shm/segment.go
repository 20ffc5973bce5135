//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenRegion maps a file-backed segment shared with other processes.
//
// Layout: the state block at offset 0, the data block at SegmentHeader.
// With Create set the file is truncated, which zeroes both cursors.
func OpenRegion(opts SegmentOptions) (*Region, error) {
	path, err := opts.path()
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR
	if opts.Create {
		if opts.Capacity < MinCapacity || opts.Capacity > MaxCapacity {
			return nil, fmt.Errorf("%w: capacity %d", ErrSegmentSize, opts.Capacity)
		}
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if opts.Create {
		if err := f.Truncate(int64(SegmentHeader + opts.Capacity)); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := int(info.Size())
	if size < SegmentHeader+MinCapacity || size-SegmentHeader > MaxCapacity {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrSegmentSize, path, size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Region{
		State: mem[:StateSize:StateSize],
		Data:  mem[SegmentHeader:size:size],
		unmap: func() error { return unix.Munmap(mem) },
	}, nil
}
