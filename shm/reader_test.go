package shm

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryReadEmpty(t *testing.T) {
	r := Allocate(256)
	rd := NewReader(r)

	called := false
	ok, err := rd.TryRead(func(buf []byte, off, n int) (Ack, error) {
		called = true
		return Done, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestReadParksUntilContextEnds(t *testing.T) {
	rd := NewReader(Allocate(256))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := rd.Read(ctx, func(buf []byte, off, n int) (Ack, error) {
		t.Error("consume called on an empty ring")
		return Done, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadWakesOnWrite(t *testing.T) {
	r := Allocate(256)
	w := NewWriter(r)
	rd := NewReader(r)

	got := make(chan []byte, 1)
	go func() {
		_ = rd.Read(context.Background(), func(buf []byte, off, n int) (Ack, error) {
			got <- bytes.Clone(buf[off : off+n])
			return Done, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, w.Write(4, fillUint32(9)))

	select {
	case p := <-got:
		assert.Equal(t, []byte{9, 0, 0, 0}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not woken by the write")
	}
}

func TestReadSeesWriteImmediately(t *testing.T) {
	r := Allocate(256)
	w := NewWriter(r)
	rd := NewReader(r)

	for i := range 10 {
		require.True(t, w.Write(8, fillBytes(payload(i, 8))))
		ok, err := rd.TryRead(func(buf []byte, off, n int) (Ack, error) {
			assert.Equal(t, payload(i, 8), buf[off:off+n])
			return Done, nil
		})
		require.NoError(t, err)
		require.True(t, ok, "write %d not visible to the next read", i)
	}
}

func TestConsumeErrorReleasesFrame(t *testing.T) {
	r := Allocate(256)
	w := NewWriter(r)
	rd := NewReader(r)

	require.True(t, w.Write(4, fillUint32(1)))
	require.True(t, w.Write(4, fillUint32(2)))

	boom := errors.New("boom")
	err := rd.Read(context.Background(), func(buf []byte, off, n int) (Ack, error) {
		return Done, boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var ce *ConsumeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4, ce.Offset)
	assert.Equal(t, 4, ce.Length)

	_, read := r.Cursors()
	assert.Equal(t, 8, read)
	assert.Equal(t, []byte{2, 0, 0, 0}, readOne(t, rd))
}

func TestPendingAckHoldsFrame(t *testing.T) {
	r := Allocate(256)
	w := NewWriter(r)
	rd := NewReader(r)

	require.True(t, w.Write(16, fillBytes(payload(0, 16))))

	release := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- rd.Read(context.Background(), func(buf []byte, off, n int) (Ack, error) {
			return Pending(release), nil
		})
	}()

	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	_, read := r.Cursors()
	assert.Zero(t, read, "frame held while pending")

	// the writer keeps going while the consumer is busy
	require.True(t, w.Write(16, fillBytes(payload(1, 16))))

	release <- nil
	require.NoError(t, <-done)
	_, read = r.Cursors()
	assert.Equal(t, 24, read)
	assert.Equal(t, payload(1, 16), readOne(t, rd))
}

func TestPendingAckFailure(t *testing.T) {
	r := Allocate(256)
	w := NewWriter(r)
	rd := NewReader(r)
	require.True(t, w.Write(4, fillUint32(3)))

	release := make(chan error, 1)
	release <- errors.New("rejected")
	err := rd.Read(context.Background(), func(buf []byte, off, n int) (Ack, error) {
		return Pending(release), nil
	})
	var ce *ConsumeError
	require.ErrorAs(t, err, &ce)
	assert.EqualError(t, ce.Err, "rejected")
}

func TestPendingNilChannelIsDone(t *testing.T) {
	assert.False(t, Pending(nil).IsPending())
	assert.False(t, Done.IsPending())
	assert.True(t, Pending(make(chan error)).IsPending())
}

func TestReaderYields(t *testing.T) {
	r := Allocate(1024)
	w := NewWriter(r)

	yields := 0
	rd := NewReader(r, WithYieldBytes(64), WithYielder(YielderFunc(func() { yields++ })))

	for i := range 10 {
		require.True(t, w.Write(28, fillBytes(payload(i, 28))))
	}
	for i := range 10 {
		assert.Equal(t, payload(i, 28), readOne(t, rd))
	}
	assert.Equal(t, 5, yields)
}

func TestReaderRunStopsOnContext(t *testing.T) {
	r := Allocate(512)
	w := NewWriter(r)
	rd := NewReader(r)

	for i := range 3 {
		require.True(t, w.Write(8, fillBytes(payload(i, 8))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var seen int
	err := rd.Run(ctx, func(buf []byte, off, n int) (Ack, error) {
		assert.Equal(t, payload(seen, 8), buf[off:off+n])
		seen++
		if seen == 3 {
			cancel()
		}
		return Done, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, seen)
}

func TestReaderRunStopsWithFramesWaiting(t *testing.T) {
	r := Allocate(512)
	w := NewWriter(r)
	rd := NewReader(r)

	for i := range 20 {
		require.True(t, w.Write(8, fillBytes(payload(i, 8))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var seen int
	err := rd.Run(ctx, func(buf []byte, off, n int) (Ack, error) {
		assert.Equal(t, payload(seen, 8), buf[off:off+n])
		seen++
		if seen == 3 {
			cancel()
		}
		return Done, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, seen)
	_, read := r.Cursors()
	assert.Equal(t, 48, read)

	// the rest stays in the ring for the next caller
	assert.ErrorIs(t, rd.Read(ctx, func(buf []byte, off, n int) (Ack, error) {
		t.Fatal("delivered after cancel")
		return Done, nil
	}), context.Canceled)
	assert.Equal(t, payload(3, 8), readOne(t, rd))
}

func TestReadCorruptFramePanics(t *testing.T) {
	r := Allocate(256)
	rd := NewReader(r)

	putLength(r.Data, 0, 1000)
	atomic.StoreUint32(r.slot(slotWrite), 8)

	ie := invariantPanic(func() {
		rd.TryRead(func(buf []byte, off, n int) (Ack, error) { return Done, nil })
	})
	require.NotNil(t, ie)
	assert.Equal(t, "read", ie.Op)
}
