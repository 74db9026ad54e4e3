// Package metrics provides the atomics-based counters and snapshot
// pattern shared by the scheduler and the virtio block driver.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines histogram buckets in nanoseconds, 1us..10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// IOMetrics tracks block I/O performance and operational statistics.
// The virtio driver records into one per device.
type IOMetrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64
	Timeouts    atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

func NewIOMetrics() *IOMetrics {
	m := &IOMetrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *IOMetrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *IOMetrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *IOMetrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *IOMetrics) RecordTimeout() {
	m.Timeouts.Add(1)
}

func (m *IOMetrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// IOSnapshot is a point-in-time read of IOMetrics.
type IOSnapshot struct {
	ReadOps, WriteOps, FlushOps             uint64
	ReadBytes, WriteBytes                   uint64
	ReadErrors, WriteErrors, FlushErrors     uint64
	Timeouts                                uint64
	AvgLatencyNs                            uint64
	TotalOps, TotalBytes                    uint64
	ErrorRate                               float64
}

func (m *IOMetrics) Snapshot() IOSnapshot {
	s := IOSnapshot{
		ReadOps:     m.ReadOps.Load(),
		WriteOps:    m.WriteOps.Load(),
		FlushOps:    m.FlushOps.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		WriteErrors: m.WriteErrors.Load(),
		FlushErrors: m.FlushErrors.Load(),
		Timeouts:    m.Timeouts.Load(),
	}
	s.TotalOps = s.ReadOps + s.WriteOps + s.FlushOps
	s.TotalBytes = s.ReadBytes + s.WriteBytes
	opCount := m.OpCount.Load()
	if opCount > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	totalErrors := s.ReadErrors + s.WriteErrors + s.FlushErrors
	if s.TotalOps > 0 {
		s.ErrorRate = float64(totalErrors) / float64(s.TotalOps) * 100.0
	}
	return s
}

// SchedMetrics tracks scheduler-level counters: context switches,
// priority inversions, and deadline misses (§8 testable properties).
type SchedMetrics struct {
	ContextSwitches   atomic.Uint64
	PriorityInversions atomic.Uint64
	DeadlineMisses    atomic.Uint64
	DeadlineBoosts    atomic.Uint64
}

func NewSchedMetrics() *SchedMetrics { return &SchedMetrics{} }

type SchedSnapshot struct {
	ContextSwitches    uint64
	PriorityInversions uint64
	DeadlineMisses     uint64
	DeadlineBoosts     uint64
}

func (m *SchedMetrics) Snapshot() SchedSnapshot {
	return SchedSnapshot{
		ContextSwitches:    m.ContextSwitches.Load(),
		PriorityInversions: m.PriorityInversions.Load(),
		DeadlineMisses:     m.DeadlineMisses.Load(),
		DeadlineBoosts:     m.DeadlineBoosts.Load(),
	}
}

// Observer allows pluggable metrics collection for block I/O, mirroring
// the teacher's Observer/NoOpObserver pattern.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveTimeout()
}

type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveTimeout()                   {}

// IOMetricsObserver implements Observer by recording into an IOMetrics.
type IOMetricsObserver struct {
	M *IOMetrics
}

func (o IOMetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.M.RecordRead(bytes, latencyNs, success)
}
func (o IOMetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.M.RecordWrite(bytes, latencyNs, success)
}
func (o IOMetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.M.RecordFlush(latencyNs, success)
}
func (o IOMetricsObserver) ObserveTimeout() { o.M.RecordTimeout() }

var _ Observer = NoOpObserver{}
var _ Observer = IOMetricsObserver{}
