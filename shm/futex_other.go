//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

const pollInterval = 200 * time.Microsecond

// futexWait polls the slot. There is no portable cross-process sleep
// primitive, so the waiter backs off with short sleeps instead.
func futexWait(addr *uint32, val uint32, d time.Duration) error {
	deadline := time.Now().Add(d)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
	return nil
}

func futexWake(addr *uint32) {}
