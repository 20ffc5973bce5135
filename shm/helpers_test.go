package shm

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"
)

// count reads a counter registered under name, failing if there is none.
func count(t *testing.T, reg metrics.Registry, name string) int64 {
	t.Helper()
	c, ok := reg.Get(name).(*metrics.Counter)
	require.True(t, ok, "counter %s not registered", name)
	return c.Snapshot().Count()
}

func fillBytes(p []byte) FillFunc {
	return func(buf []byte, off int) int {
		return off + copy(buf[off:], p)
	}
}

func fillUint32(v uint32) FillFunc {
	return func(buf []byte, off int) int {
		binary.LittleEndian.PutUint32(buf[off:], v)
		return off + 4
	}
}

// payload returns n bytes tagged with seq.
func payload(seq, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(seq*31 + i)
	}
	return p
}

func readOne(t *testing.T, r *Reader) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []byte
	err := r.Read(ctx, func(buf []byte, off, n int) (Ack, error) {
		got = bytes.Clone(buf[off : off+n])
		return Done, nil
	})
	require.NoError(t, err)
	return got
}

func invariantPanic(fn func()) (ie *InvariantError) {
	defer func() {
		if v := recover(); v != nil {
			ie, _ = v.(*InvariantError)
		}
	}()
	fn()
	return nil
}

// heldScheduler queues tasks until released, then runs them on goroutines.
type heldScheduler struct {
	mu       sync.Mutex
	held     []func()
	released bool
}

func (s *heldScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		go fn()
		return
	}
	s.held = append(s.held, fn)
}

func (s *heldScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *heldScheduler) runHeld() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

func (s *heldScheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	for _, fn := range s.held {
		go fn()
	}
	s.held = nil
}
