// Package shm provides a single-producer single-consumer message channel
// over a fixed shared memory region.
//
// The region is two blocks: a 16-byte state block holding the write and read
// cursors as 32-bit atomics, and a data block holding length-prefixed frames
// in a circular buffer. The Writer and Reader share nothing else, so the
// region can live in process memory (Allocate) or in a mapped segment that a
// second process attaches to (OpenRegion).
//
// Frame layout, little-endian, every frame start 8-byte aligned:
//
//	[int32 length][payload ...][pad to 8]
//
// A negative length is a wraparound marker: the reader skips -length bytes
// and continues at offset 0.
package shm

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"unsafe"
)

const (
	// StateSize is the fixed size of the state block.
	StateSize = 16

	headerSize = 4
	frameAlign = 8
	// headroom is kept free behind the read cursor so a full ring never
	// looks empty.
	headroom = 8

	slotWrite = 0
	slotRead  = 1

	// MinCapacity is the smallest data block that holds one frame.
	MinCapacity = 24
	// MaxCapacity keeps every offset within the 32-bit cursors and the
	// signed frame lengths.
	MaxCapacity = math.MaxInt32
)

// Region is the memory shared by one Writer and one Reader.
type Region struct {
	State []byte
	Data  []byte

	unmap func() error
}

// Allocate creates a region in process memory with a data block of capacity
// bytes. Capacities outside [MinCapacity, MaxCapacity] panic.
func Allocate(capacity int) *Region {
	if capacity < MinCapacity || capacity > MaxCapacity {
		invariant("allocate", "capacity %d outside [%d, %d]", capacity, MinCapacity, MaxCapacity)
	}
	// backed by uint64 words so the cursor slots are aligned for atomics
	words := make([]uint64, StateSize/8)
	return &Region{
		State: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), StateSize),
		Data:  make([]byte, capacity),
	}
}

// Size returns the usable ring size: the data block rounded down to 8 bytes
// minus 8 bytes of headroom.
func (r *Region) Size() int {
	return usableSize(len(r.Data))
}

// MaxPayload returns the largest payload a single frame can carry.
func (r *Region) MaxPayload() int {
	return maxPayload(r.Size())
}

// Cursors returns the published write and read cursors.
func (r *Region) Cursors() (write, read int) {
	return int(atomic.LoadUint32(r.slot(slotWrite))), int(atomic.LoadUint32(r.slot(slotRead)))
}

// Close releases a mapped region. It is a no-op for allocated regions.
func (r *Region) Close() error {
	if r.unmap == nil {
		return nil
	}
	err := r.unmap()
	r.unmap = nil
	r.State, r.Data = nil, nil
	return err
}

func (r *Region) slot(i int) *uint32 {
	if len(r.State) < StateSize {
		invariant("region", "state block is %d bytes, want %d", len(r.State), StateSize)
	}
	return (*uint32)(unsafe.Pointer(&r.State[i*4]))
}

func usableSize(n int) int {
	return n/frameAlign*frameAlign - headroom
}

func maxPayload(size int) int {
	return size - headroom - headerSize
}

func align8(n int) int {
	return (n + frameAlign - 1) &^ (frameAlign - 1)
}

func putLength(buf []byte, off int, n int32) {
	binary.LittleEndian.PutUint32(buf[off:off+headerSize], uint32(n))
}

func frameLength(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off : off+headerSize]))
}
