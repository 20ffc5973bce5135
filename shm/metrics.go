package shm

import "github.com/ethereum/go-ethereum/metrics"

type writerMetrics struct {
	frames  *metrics.Counter
	bytes   *metrics.Counter
	wraps   *metrics.Counter
	queued  *metrics.Counter
	drains  *metrics.Counter
	dropped *metrics.Counter
	backlog *metrics.Gauge
	arena   *metrics.Gauge
}

func newWriterMetrics(r metrics.Registry, prefix string) writerMetrics {
	return writerMetrics{
		frames:  metrics.GetOrRegisterCounter(prefix+"/writer/frames", r),
		bytes:   metrics.GetOrRegisterCounter(prefix+"/writer/bytes", r),
		wraps:   metrics.GetOrRegisterCounter(prefix+"/writer/wraps", r),
		queued:  metrics.GetOrRegisterCounter(prefix+"/writer/queued", r),
		drains:  metrics.GetOrRegisterCounter(prefix+"/writer/drains", r),
		dropped: metrics.GetOrRegisterCounter(prefix+"/writer/dropped", r),
		backlog: metrics.GetOrRegisterGauge(prefix+"/writer/backlog", r),
		arena:   metrics.GetOrRegisterGauge(prefix+"/writer/arena", r),
	}
}

type readerMetrics struct {
	frames  *metrics.Counter
	bytes   *metrics.Counter
	skips   *metrics.Counter
	parks   *metrics.Counter
	yields  *metrics.Counter
	pending *metrics.Counter
	failed  *metrics.Counter
}

func newReaderMetrics(r metrics.Registry, prefix string) readerMetrics {
	return readerMetrics{
		frames:  metrics.GetOrRegisterCounter(prefix+"/reader/frames", r),
		bytes:   metrics.GetOrRegisterCounter(prefix+"/reader/bytes", r),
		skips:   metrics.GetOrRegisterCounter(prefix+"/reader/skips", r),
		parks:   metrics.GetOrRegisterCounter(prefix+"/reader/parks", r),
		yields:  metrics.GetOrRegisterCounter(prefix+"/reader/yields", r),
		pending: metrics.GetOrRegisterCounter(prefix+"/reader/pending", r),
		failed:  metrics.GetOrRegisterCounter(prefix+"/reader/failed", r),
	}
}
