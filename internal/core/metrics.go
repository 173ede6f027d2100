package core

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, log-spaced from 1us to 10s.
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

// Metrics tracks engine-level counters: request volume, stall/retry
// conditions, and completion latency.
type Metrics struct {
	GuestRequestsSubmitted atomic.Uint64
	HostRequestsSubmitted  atomic.Uint64
	GuestCompletions       atomic.Uint64
	HostCompletions        atomic.Uint64

	DroppedAcks        atomic.Uint64 // zero/over-ack doorbell writes, ignored
	InterceptorPauses  atomic.Uint64
	LongLatencyEvents  atomic.Uint64
	PollTimeouts       atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics returns a Metrics with its start time stamped.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCompletion records one completed request's latency.
func (m *Metrics) RecordCompletion(latencyNs uint64, hostOriginated bool) {
	if hostOriginated {
		m.HostCompletions.Add(1)
	} else {
		m.GuestCompletions.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics for reporting.
type MetricsSnapshot struct {
	GuestRequestsSubmitted uint64
	HostRequestsSubmitted  uint64
	GuestCompletions       uint64
	HostCompletions        uint64

	DroppedAcks       uint64
	InterceptorPauses uint64
	LongLatencyEvents uint64
	PollTimeouts      uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns uint64
	LatencyP99Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot computes derived statistics from the live counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		GuestRequestsSubmitted: m.GuestRequestsSubmitted.Load(),
		HostRequestsSubmitted:  m.HostRequestsSubmitted.Load(),
		GuestCompletions:       m.GuestCompletions.Load(),
		HostCompletions:        m.HostCompletions.Load(),
		DroppedAcks:            m.DroppedAcks.Load(),
		InterceptorPauses:      m.InterceptorPauses.Load(),
		LongLatencyEvents:      m.LongLatencyEvents.Load(),
		PollTimeouts:           m.PollTimeouts.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}
	return snap
}

// calculatePercentile returns the upper bound of the first cumulative
// histogram bucket that holds at least fraction p of all recorded
// completions; it does not interpolate within a bucket.
func (m *Metrics) calculatePercentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)
	for i, bucket := range LatencyBuckets {
		if m.LatencyBuckets[i].Load() >= target {
			return bucket
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}
