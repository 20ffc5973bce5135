package shm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FillFunc writes a payload into buf starting at off and returns the offset
// just past the last byte written. buf ends at off+length, where length is
// the estimate passed to Write. It must not call back into the Writer.
type FillFunc func(buf []byte, off int) int

// Writer is the producing side of a region. Write must not be called from
// more than one goroutine at a time.
type Writer struct {
	data []byte
	size int
	wr   *uint32
	rd   *uint32

	// wakeScheduled coalesces reader wakes to one per scheduler turn.
	wakeScheduled atomic.Bool

	// mu guards everything below against the drain goroutine. It is never
	// held while parked.
	mu       sync.Mutex
	write    int
	queue    [][]byte
	head     int
	arena    arena
	draining bool
	drained  chan struct{}
	started  time.Time
	// dropErr records an abandoned backlog until Flush reports it.
	dropErr error

	ctx       context.Context
	scheduler Scheduler
	log       *slog.Logger
	metrics   writerMetrics
}

// WriterStats is a snapshot of writer-side bookkeeping.
type WriterStats struct {
	Size        int
	WriteCursor int
	ReadCursor  int
	Pending     int
	ArenaBytes  int
}

// NewWriter returns the writer for r. The write cursor is picked up from the
// state block, so a writer can attach to an existing region.
func NewWriter(r *Region, opts ...Option) *Writer {
	o := buildOptions(opts)
	w := &Writer{
		data:      r.Data,
		size:      r.Size(),
		wr:        r.slot(slotWrite),
		rd:        r.slot(slotRead),
		arena:     newArena(o.arenaBytes),
		ctx:       o.ctx,
		scheduler: o.scheduler,
		log:       o.logger.With("component", "shm.writer"),
		metrics:   newWriterMetrics(o.registry, o.prefix),
	}
	w.write = int(atomic.LoadUint32(w.wr))
	return w
}

// Write publishes a frame of at most length payload bytes produced by fill.
//
// fill runs exactly once, before Write returns. When the ring has room it
// writes in place and Write returns true. Otherwise fill writes into a
// private scratch copy that is queued behind any earlier backlog and Write
// returns false; the copy reaches the ring in submission order as the reader
// frees space.
//
// A length that can never fit, or a fill result outside [off, off+length],
// panics with *InvariantError.
func (w *Writer) Write(length int, fill FillFunc) bool {
	if length < 0 || length > maxPayload(w.size) {
		invariant("write", "length %d does not fit ring of %d bytes", length, w.size)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending() == 0 && w.tryWrite(length, fill) {
		return true
	}

	p := w.arena.alloc(length)
	end := fill(p, 0)
	checkEnd(end, 0, length)
	w.queue = append(w.queue, p[:end])
	w.metrics.queued.Inc(1)
	w.metrics.backlog.Update(int64(w.pending()))
	w.metrics.arena.Update(int64(w.arena.size()))

	if !w.draining {
		w.draining = true
		w.drained = make(chan struct{})
		w.started = time.Now()
		w.log.Debug("shm: backlog started", "length", length)
		w.scheduler.Schedule(w.drain)
	}
	return false
}

// Pending returns the number of queued writes not yet in the ring.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending()
}

// Flush waits until the backlog has drained into the ring. If the writer's
// context ended first, the queued writes were dropped and Flush returns an
// error wrapping that context's error. A drop is reported once.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	done := w.drained
	draining := w.draining
	w.mu.Unlock()

	if draining {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.dropErr
	w.dropErr = nil
	return err
}

// MaxPayload returns the largest length Write accepts.
func (w *Writer) MaxPayload() int {
	return maxPayload(w.size)
}

// Stats returns a snapshot of the writer state.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Size:        w.size,
		WriteCursor: w.write,
		ReadCursor:  int(atomic.LoadUint32(w.rd)),
		Pending:     w.pending(),
		ArenaBytes:  w.arena.size(),
	}
}

func (w *Writer) pending() int {
	return len(w.queue) - w.head
}

// space returns the contiguous bytes available at the write cursor and the
// total free bytes, both excluding the headroom kept behind read.
func (w *Writer) space(read int) (sequential, available int) {
	if w.write >= read {
		sequential = w.size - w.write
		return sequential, sequential + read - headroom
	}
	free := read - w.write - headroom
	return free, free
}

// tryWrite places one frame in the ring, or reports false without touching
// the frame area when the ring lacks room. It may leave a wraparound marker
// behind even when it then fails; the marker is a valid frame on its own.
func (w *Writer) tryWrite(length int, fill FillFunc) bool {
	need := length + headerSize
	for {
		read := int(atomic.LoadUint32(w.rd))
		sequential, available := w.space(read)
		if available < need {
			return false
		}
		if sequential < need {
			putLength(w.data, w.write, -int32(sequential))
			w.metrics.wraps.Inc(1)
			w.publish(0)
			continue
		}

		off := w.write + headerSize
		end := fill(w.data[:off+length:off+length], off)
		checkEnd(end, off, length)
		n := end - off
		putLength(w.data, w.write, int32(n))

		next := align8(end)
		if next >= w.size {
			next -= w.size
		}
		w.metrics.frames.Inc(1)
		w.metrics.bytes.Inc(int64(n))
		w.publish(next)
		return true
	}
}

// publish stores the write cursor and schedules a reader wake.
func (w *Writer) publish(next int) {
	w.write = next
	atomic.StoreUint32(w.wr, uint32(next))
	if w.wakeScheduled.CompareAndSwap(false, true) {
		w.scheduler.Schedule(w.wakeReader)
	}
}

func (w *Writer) wakeReader() {
	// clear first: a publish racing with this wake schedules another one
	w.wakeScheduled.Store(false)
	futexWake(w.wr)
}

// drain moves queued copies into the ring in order, parking on the read
// cursor whenever the head does not fit.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		read := atomic.LoadUint32(w.rd)
		for w.pending() > 0 {
			p := w.queue[w.head]
			if !w.tryWrite(len(p), copyFill(p)) {
				break
			}
			w.queue[w.head] = nil
			w.head++
		}
		w.metrics.backlog.Update(int64(w.pending()))
		if w.pending() == 0 {
			w.finishDrain()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		if err := park(w.ctx, w.rd, read); err != nil {
			w.mu.Lock()
			dropped := w.pending()
			w.metrics.dropped.Inc(int64(dropped))
			w.log.Warn("shm: backlog abandoned", "pending", dropped, "error", err)
			w.dropErr = errors.Join(w.dropErr, fmt.Errorf("shm: %d queued writes dropped: %w", dropped, err))
			w.finishDrain()
			w.mu.Unlock()
			return
		}
	}
}

// finishDrain releases the queue and the arena. Called with mu held.
func (w *Writer) finishDrain() {
	w.metrics.drains.Inc(1)
	w.log.Debug("shm: backlog drained", "frames", w.head, "elapsed", time.Since(w.started))
	clear(w.queue)
	w.queue = w.queue[:0]
	w.head = 0
	w.arena.reset()
	w.draining = false
	close(w.drained)
}

func copyFill(p []byte) FillFunc {
	return func(buf []byte, off int) int {
		return off + copy(buf[off:], p)
	}
}

func checkEnd(end, off, length int) {
	if end < off || end > off+length {
		invariant("write", "fill returned offset %d outside [%d, %d]", end, off, off+length)
	}
}
