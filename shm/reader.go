package shm

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Ack tells the Reader when a delivered frame may be released. It is either
// Done or Pending.
type Ack struct {
	wait <-chan error
}

// Done releases the frame as soon as the ConsumeFunc returns.
var Done = Ack{}

// Pending holds the frame until wait yields a value or is closed. A non-nil
// value is reported as a consume failure.
func Pending(wait <-chan error) Ack {
	if wait == nil {
		return Done
	}
	return Ack{wait: wait}
}

// IsPending reports whether the frame is held past the callback.
func (a Ack) IsPending() bool {
	return a.wait != nil
}

// ConsumeFunc receives one frame: the payload is buf[off:off+n]. buf is only
// valid until the frame is released, which is when the callback returns Done
// or when a Pending ack resolves.
type ConsumeFunc func(buf []byte, off, n int) (Ack, error)

// Reader is the consuming side of a region. It is driven by its owner, one
// Read per frame, and must not be used from more than one goroutine at a
// time.
type Reader struct {
	data []byte
	size int
	wr   *uint32
	rd   *uint32

	read  int
	write int

	yieldBytes int
	sinceYield int
	yielder    Yielder

	log     *slog.Logger
	metrics readerMetrics
}

// NewReader returns the reader for r, resuming from the published read
// cursor.
func NewReader(r *Region, opts ...Option) *Reader {
	o := buildOptions(opts)
	rd := &Reader{
		data:       r.Data,
		size:       r.Size(),
		wr:         r.slot(slotWrite),
		rd:         r.slot(slotRead),
		yieldBytes: o.yieldBytes,
		yielder:    o.yielder,
		log:        o.logger.With("component", "shm.reader"),
		metrics:    newReaderMetrics(o.registry, o.prefix),
	}
	rd.read = int(atomic.LoadUint32(rd.rd))
	rd.write = int(atomic.LoadUint32(rd.wr))
	return rd
}

// Read delivers the next frame to consume, parking while the ring is empty.
// Wraparound markers are skipped without invoking consume. Once ctx has
// ended Read returns ctx.Err() without delivering, even if frames are
// waiting. A failing consume yields a *ConsumeError; the frame is released
// either way.
func (r *Reader) Read(ctx context.Context, consume ConsumeFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.empty() {
			r.metrics.parks.Inc(1)
			if err := park(ctx, r.wr, uint32(r.write)); err != nil {
				return err
			}
			continue
		}
		if delivered, err := r.step(consume); delivered {
			return err
		}
	}
}

// TryRead delivers the next frame if one is available and reports whether
// consume was invoked. It never parks.
func (r *Reader) TryRead(consume ConsumeFunc) (bool, error) {
	for !r.empty() {
		if delivered, err := r.step(consume); delivered {
			return true, err
		}
	}
	return false, nil
}

// Run reads until ctx ends or consume fails.
func (r *Reader) Run(ctx context.Context, consume ConsumeFunc) error {
	for {
		if err := r.Read(ctx, consume); err != nil {
			return err
		}
	}
}

// Cursor returns the reader's local read cursor.
func (r *Reader) Cursor() int {
	return r.read
}

// empty refreshes the cached write cursor when the ring looks drained.
func (r *Reader) empty() bool {
	if r.read != r.write {
		return false
	}
	r.write = int(atomic.LoadUint32(r.wr))
	return r.read == r.write
}

// step decodes the frame at the read cursor. It reports whether a real frame
// was handed to consume.
func (r *Reader) step(consume ConsumeFunc) (bool, error) {
	n := int(frameLength(r.data, r.read))
	if n < 0 {
		if r.read-n != r.size {
			invariant("read", "wraparound marker at %d skips %d bytes past ring of %d", r.read, -n, r.size)
		}
		r.metrics.skips.Inc(1)
		r.advance(0)
		return false, nil
	}

	off := r.read + headerSize
	if off+n > r.size {
		invariant("read", "frame at %d claims %d bytes past ring of %d", r.read, n, r.size)
	}

	ack, err := consume(r.data[:off+n:off+n], off, n)
	if err == nil && ack.IsPending() {
		// the writer may keep filling the rest of the ring meanwhile
		r.metrics.pending.Inc(1)
		r.publish()
		err = <-ack.wait
	}

	next := align8(off + n)
	if next >= r.size {
		next -= r.size
	}
	r.advance(next)
	r.metrics.frames.Inc(1)
	r.metrics.bytes.Inc(int64(n))

	if err != nil {
		r.metrics.failed.Inc(1)
		r.log.Debug("shm: consume failed", "offset", off, "length", n, "error", err)
		return true, &ConsumeError{Offset: off, Length: n, Err: err}
	}

	if r.yieldBytes > 0 {
		r.sinceYield += align8(headerSize + n)
		if r.sinceYield >= r.yieldBytes {
			r.sinceYield = 0
			r.metrics.yields.Inc(1)
			r.yielder.Yield()
		}
	}
	return true, nil
}

func (r *Reader) advance(next int) {
	r.read = next
	r.publish()
}

// publish stores the read cursor and wakes a writer parked on the old value.
func (r *Reader) publish() {
	atomic.StoreUint32(r.rd, uint32(r.read))
	futexWake(r.rd)
}
