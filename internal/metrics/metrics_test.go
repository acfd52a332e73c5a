package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWriteAndSnapshot(t *testing.T) {
	m := NewTransportMetrics()
	m.RecordWrite(4096, 50*time.Microsecond, false)
	m.RecordWrite(4096, 150*time.Microsecond, false)
	m.RecordWrite(0, time.Microsecond, true)

	snap := m.Snapshot()
	require.Equal(t, uint64(3), snap.WriteOps)
	assert.Equal(t, uint64(8192), snap.WriteBytes)
	assert.Equal(t, uint64(1), snap.WriteErrors)
	assert.Greater(t, snap.WriteAvgLatency, time.Duration(0))
}

func TestRecordReadIndependentOfWrite(t *testing.T) {
	m := NewTransportMetrics()
	m.RecordRead(65536, 80*time.Microsecond, false)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(0), snap.WriteOps)
}

func TestInFlightGauge(t *testing.T) {
	m := NewTransportMetrics()
	m.SetInFlight(3)
	assert.EqualValues(t, 3, m.Snapshot().InFlight)
}

func TestStopMarksSnapshotStopped(t *testing.T) {
	m := NewTransportMetrics()
	m.Stop()
	assert.True(t, m.Snapshot().Stopped)
}

func TestResetZeroesCounters(t *testing.T) {
	m := NewTransportMetrics()
	m.RecordWrite(100, time.Millisecond, false)
	m.Reset()
	assert.Equal(t, uint64(0), m.Snapshot().WriteOps)
}

func TestWriteLatencyPercentileEmptyIsZero(t *testing.T) {
	m := NewTransportMetrics()
	assert.Equal(t, time.Duration(0), m.WriteLatencyPercentile(99))
}

func TestWriteLatencyPercentileNonEmpty(t *testing.T) {
	m := NewTransportMetrics()
	for i := 0; i < 100; i++ {
		m.RecordWrite(4096, 50*time.Microsecond, false)
	}
	p50 := m.WriteLatencyPercentile(50)
	assert.Greater(t, p50, time.Duration(0))
}

func TestNoOpObserverSatisfiesInterface(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveWrite(10, time.Millisecond, false)
	o.ObserveRead(10, time.Millisecond, false)
	o.ObserveNotify(10, time.Millisecond, false)
	o.ObserveInFlight(1)
}

func TestMetricsObserverBridgesIntoMetrics(t *testing.T) {
	m := NewTransportMetrics()
	var o Observer = MetricsObserver{Metrics: m}
	o.ObserveWrite(4096, time.Millisecond, false)
	assert.Equal(t, uint64(1), m.Snapshot().WriteOps)
}
