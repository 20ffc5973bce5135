package shm

import (
	"context"
	"sync/atomic"
	"time"
)

// parkSlice bounds a single futex sleep so a parked side notices ctx.
const parkSlice = 50 * time.Millisecond

// park blocks until the slot no longer holds val or ctx ends.
func park(ctx context.Context, addr *uint32, val uint32) error {
	for atomic.LoadUint32(addr) == val {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := futexWait(addr, val, parkSlice); err != nil {
			return err
		}
	}
	return nil
}
