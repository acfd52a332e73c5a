// Package metrics tracks per-operation counters and latency histograms for
// the transfer engine, and exposes an Observer hook embedders can plug a
// metrics exporter into without the core depending on one.
package metrics

import (
	"sync/atomic"
	"time"
)

// latencyBucketBounds are cumulative upper bounds, in nanoseconds, for the
// latency histogram: 1us, 10us, 100us, 1ms, 10ms, 100ms, 1s, 10s.
var latencyBucketBounds = [8]uint64{
	1_000, 10_000, 100_000, 1_000_000,
	10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000,
}

const numBuckets = len(latencyBucketBounds)

// opMetrics holds atomic counters and a cumulative latency histogram for one
// operation class (write, read or notify).
type opMetrics struct {
	count       atomic.Uint64
	bytes       atomic.Uint64
	errors      atomic.Uint64
	totalNanos  atomic.Uint64
	buckets     [numBuckets]atomic.Uint64
}

func (m *opMetrics) record(n int, nanos int64, err bool) {
	m.count.Add(1)
	m.bytes.Add(uint64(n))
	if err {
		m.errors.Add(1)
		return
	}
	m.totalNanos.Add(uint64(nanos))
	for i, bound := range latencyBucketBounds {
		if uint64(nanos) <= bound {
			m.buckets[i].Add(1)
			break
		}
	}
}

// TransportMetrics aggregates counters across the write, read and notify
// operation classes plus queue-depth/in-flight gauges.
type TransportMetrics struct {
	write  opMetrics
	read   opMetrics
	notify opMetrics

	inFlight atomic.Int64
	started  time.Time
	stopped  atomic.Bool
}

// NewTransportMetrics returns a fresh, running metrics instance.
func NewTransportMetrics() *TransportMetrics {
	return &TransportMetrics{started: time.Now()}
}

// RecordWrite records one RDMA-WRITE (or WRITE-WITH-IMM) completion.
func (m *TransportMetrics) RecordWrite(n int, d time.Duration, err bool) {
	m.write.record(n, d.Nanoseconds(), err)
}

// RecordRead records one RDMA-READ completion.
func (m *TransportMetrics) RecordRead(n int, d time.Duration, err bool) {
	m.read.record(n, d.Nanoseconds(), err)
}

// RecordNotify records one control-plane notification write/decode.
func (m *TransportMetrics) RecordNotify(n int, d time.Duration, err bool) {
	m.notify.record(n, d.Nanoseconds(), err)
}

// SetInFlight updates the current outstanding-command gauge.
func (m *TransportMetrics) SetInFlight(n int64) {
	m.inFlight.Store(n)
}

// Stop freezes the metrics instance; further Record* calls are still safe
// but Snapshot will report the instance as stopped.
func (m *TransportMetrics) Stop() {
	m.stopped.Store(true)
}

// Snapshot is an immutable point-in-time view with derived average
// latencies.
type Snapshot struct {
	WriteOps, ReadOps, NotifyOps       uint64
	WriteBytes, ReadBytes, NotifyBytes uint64
	WriteErrors, ReadErrors, NotifyErrors uint64
	WriteAvgLatency, ReadAvgLatency    time.Duration
	InFlight                           int64
	Uptime                             time.Duration
	Stopped                            bool
}

func avgLatency(m *opMetrics) time.Duration {
	count := m.count.Load() - m.errors.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(m.totalNanos.Load() / count)
}

// Snapshot returns the current aggregate view.
func (m *TransportMetrics) Snapshot() Snapshot {
	return Snapshot{
		WriteOps:      m.write.count.Load(),
		ReadOps:       m.read.count.Load(),
		NotifyOps:     m.notify.count.Load(),
		WriteBytes:    m.write.bytes.Load(),
		ReadBytes:     m.read.bytes.Load(),
		NotifyBytes:   m.notify.bytes.Load(),
		WriteErrors:   m.write.errors.Load(),
		ReadErrors:    m.read.errors.Load(),
		NotifyErrors:  m.notify.errors.Load(),
		WriteAvgLatency: avgLatency(&m.write),
		ReadAvgLatency:  avgLatency(&m.read),
		InFlight:      m.inFlight.Load(),
		Uptime:        time.Since(m.started),
		Stopped:       m.stopped.Load(),
	}
}

// WriteLatencyPercentile estimates a percentile (0..100) from the write
// latency histogram, reporting the midpoint of the bucket that contains it.
func (m *TransportMetrics) WriteLatencyPercentile(p float64) time.Duration {
	return percentile(&m.write, p)
}

// ReadLatencyPercentile estimates a percentile (0..100) from the read
// latency histogram.
func (m *TransportMetrics) ReadLatencyPercentile(p float64) time.Duration {
	return percentile(&m.read, p)
}

func percentile(m *opMetrics, p float64) time.Duration {
	total := uint64(0)
	counts := make([]uint64, numBuckets)
	for i := range latencyBucketBounds {
		counts[i] = m.buckets[i].Load()
		total += counts[i]
	}
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p / 100.0)
	var cumulative uint64
	for i, c := range counts {
		cumulative += c
		if cumulative >= target {
			lower := uint64(0)
			if i > 0 {
				lower = latencyBucketBounds[i-1]
			}
			return time.Duration(lower+latencyBucketBounds[i]) / 2
		}
	}
	return time.Duration(latencyBucketBounds[numBuckets-1])
}

// Reset zeroes all counters and restarts the uptime clock.
func (m *TransportMetrics) Reset() {
	*m = TransportMetrics{started: time.Now()}
}

// Observer receives per-operation callbacks as they complete. Embedders can
// bridge this into their own metrics exporter (Prometheus, statsd, ...)
// without the core package depending on one.
type Observer interface {
	ObserveWrite(n int, d time.Duration, err bool)
	ObserveRead(n int, d time.Duration, err bool)
	ObserveNotify(n int, d time.Duration, err bool)
	ObserveInFlight(n int64)
}

// NoOpObserver discards every observation; the reactor's default.
type NoOpObserver struct{}

func (NoOpObserver) ObserveWrite(int, time.Duration, bool)   {}
func (NoOpObserver) ObserveRead(int, time.Duration, bool)    {}
func (NoOpObserver) ObserveNotify(int, time.Duration, bool)  {}
func (NoOpObserver) ObserveInFlight(int64)                   {}

// MetricsObserver bridges Observer callbacks straight into a
// TransportMetrics instance; used when no external exporter is configured
// but the caller still wants the built-in Snapshot to stay current.
type MetricsObserver struct {
	Metrics *TransportMetrics
}

func (o MetricsObserver) ObserveWrite(n int, d time.Duration, err bool)  { o.Metrics.RecordWrite(n, d, err) }
func (o MetricsObserver) ObserveRead(n int, d time.Duration, err bool)   { o.Metrics.RecordRead(n, d, err) }
func (o MetricsObserver) ObserveNotify(n int, d time.Duration, err bool) { o.Metrics.RecordNotify(n, d, err) }
func (o MetricsObserver) ObserveInFlight(n int64)                       { o.Metrics.SetInFlight(n) }

var (
	_ Observer = NoOpObserver{}
	_ Observer = MetricsObserver{}
)
