package shm

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/ethereum/go-ethereum/metrics"
)

const (
	// DefaultYieldBytes is how much a Reader consumes between yields.
	DefaultYieldBytes = 256 << 10
	// DefaultArenaBytes is the first chunk size of a Writer's overflow arena.
	DefaultArenaBytes = 64 << 10
)

// Scheduler runs deferred writer work: coalesced wakes and the backlog drain.
// Schedule is called with writer state locked, so fn must run later, never
// on the caller's stack.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// GoScheduler runs each task on a fresh goroutine.
var GoScheduler Scheduler = SchedulerFunc(func(fn func()) { go fn() })

// Yielder hands control back to the host scheduler between reader batches.
type Yielder interface {
	Yield()
}

// YielderFunc adapts a function to Yielder.
type YielderFunc func()

func (f YielderFunc) Yield() { f() }

// GoschedYielder yields the processor to other goroutines.
var GoschedYielder Yielder = YielderFunc(runtime.Gosched)

type options struct {
	ctx        context.Context
	logger     *slog.Logger
	registry   metrics.Registry
	prefix     string
	scheduler  Scheduler
	yielder    Yielder
	yieldBytes int
	arenaBytes int
}

// Option configures a Writer or a Reader. Options that do not apply to the
// side being built are ignored.
type Option func(*options)

// WithContext bounds the Writer's backlog drain. When ctx ends the remaining
// backlog is dropped.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers counters under prefix in r.
func WithMetrics(r metrics.Registry, prefix string) Option {
	return func(o *options) {
		o.registry = r
		o.prefix = prefix
	}
}

// WithScheduler replaces GoScheduler for the Writer.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithYielder replaces GoschedYielder for the Reader.
func WithYielder(y Yielder) Option {
	return func(o *options) { o.yielder = y }
}

// WithYieldBytes sets the Reader's yield interval. Zero or less disables it.
func WithYieldBytes(n int) Option {
	return func(o *options) { o.yieldBytes = n }
}

// WithArenaBytes sets the first overflow arena chunk size.
func WithArenaBytes(n int) Option {
	return func(o *options) { o.arenaBytes = n }
}

func buildOptions(opts []Option) options {
	o := options{
		ctx:        context.Background(),
		prefix:     "ringchan",
		scheduler:  GoScheduler,
		yielder:    GoschedYielder,
		yieldBytes: DefaultYieldBytes,
		arenaBytes: DefaultArenaBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = metrics.NewRegistry()
	}
	if o.arenaBytes <= 0 {
		o.arenaBytes = DefaultArenaBytes
	}
	return o
}
