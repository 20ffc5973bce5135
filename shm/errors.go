package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by OpenRegion on platforms without mmap.
	ErrUnsupported = errors.New("shm: shared segments not supported on this platform")
	// ErrSegmentSize is returned when a segment is too small to hold a ring,
	// or larger than MaxCapacity.
	ErrSegmentSize = errors.New("shm: segment size out of range")
)

// InvariantError reports a broken framing invariant. It is raised with panic:
// continuing would desynchronize every later frame.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return "shm: " + e.Op + ": " + e.Detail
}

func invariant(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// ConsumeError wraps a failure returned by a ConsumeFunc. The frame it refers
// to has already been released.
type ConsumeError struct {
	Offset int
	Length int
	Err    error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("shm: consume frame at %d (%d bytes): %v", e.Offset, e.Length, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}
