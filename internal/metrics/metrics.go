package metrics

import (
	"sync/atomic"
	"time"
)

// HoldLatencyBuckets defines the DL-slot hold-time histogram buckets in
// nanoseconds (acquire to release), logarithmically spaced from 1ms to
// 1s. A session's 20ms cadence means any bucket above a few frame periods
// is a sign the application is falling behind the peer.
var HoldLatencyBuckets = []uint64{
	1_000_000,   // 1ms
	5_000_000,   // 5ms
	20_000_000,  // 20ms (one frame period)
	40_000_000,  // 40ms (two frame periods)
	100_000_000, // 100ms
	500_000_000, // 500ms
	1_000_000_000,
}

const numHoldBuckets = 7

// Metrics accumulates the operational counters a deployed session exposes
// for diagnostics: frame throughput, the error/xrun/pause counts the state
// machine and buffer manager bump, and a histogram of DL slot hold times.
type Metrics struct {
	ULFramesSent     atomic.Uint64
	DLFramesReceived atomic.Uint64

	IOErrors      atomic.Uint64 // transport control-write failures
	ULErrors      atomic.Uint64 // transport UL-send failures
	ULPauses      atomic.Uint64 // times UL paused after MaxULErrorsPause
	DLXRuns       atomic.Uint64 // DL slots marked XRUN
	EventsDropped atomic.Uint64 // event-ring overflow, oldest dropped
	WakelineToggles atomic.Uint64

	holdTotalNs atomic.Uint64
	holdCount   atomic.Uint64
	holdBuckets [numHoldBuckets]atomic.Uint64

	startTime atomic.Int64
}

// NewMetrics returns a zeroed Metrics instance timestamped at creation.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// RecordULFrame counts one successfully released uplink frame.
func (m *Metrics) RecordULFrame() { m.ULFramesSent.Add(1) }

// RecordDLFrame counts one acquired downlink frame and its hold time from
// acquire to release.
func (m *Metrics) RecordDLFrame(holdNs uint64) {
	m.DLFramesReceived.Add(1)
	m.holdTotalNs.Add(holdNs)
	m.holdCount.Add(1)
	for i, bucket := range HoldLatencyBuckets {
		if holdNs <= bucket {
			m.holdBuckets[i].Add(1)
		}
	}
}

// RecordIOError counts one transport control-write failure.
func (m *Metrics) RecordIOError() { m.IOErrors.Add(1) }

// RecordULError counts one UL transport send failure.
func (m *Metrics) RecordULError() { m.ULErrors.Add(1) }

// RecordULPause counts one transition into the UL-paused state.
func (m *Metrics) RecordULPause() { m.ULPauses.Add(1) }

// RecordXRun counts one DL slot marked XRUN.
func (m *Metrics) RecordXRun() { m.DLXRuns.Add(1) }

// RecordEventDropped counts one event-ring overflow.
func (m *Metrics) RecordEventDropped() { m.EventsDropped.Add(1) }

// RecordWakelineToggle counts one wakeline raise or drop.
func (m *Metrics) RecordWakelineToggle() { m.WakelineToggles.Add(1) }

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting.
type MetricsSnapshot struct {
	ULFramesSent     uint64
	DLFramesReceived uint64
	IOErrors         uint64
	ULErrors         uint64
	ULPauses         uint64
	DLXRuns          uint64
	EventsDropped    uint64
	WakelineToggles  uint64

	AvgHoldNs uint64
	UptimeNs  uint64

	HoldHistogram [numHoldBuckets]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ULFramesSent:     m.ULFramesSent.Load(),
		DLFramesReceived: m.DLFramesReceived.Load(),
		IOErrors:         m.IOErrors.Load(),
		ULErrors:         m.ULErrors.Load(),
		ULPauses:         m.ULPauses.Load(),
		DLXRuns:          m.DLXRuns.Load(),
		EventsDropped:    m.EventsDropped.Load(),
		WakelineToggles:  m.WakelineToggles.Load(),
		UptimeNs:         uint64(time.Now().UnixNano() - m.startTime.Load()),
	}
	if count := m.holdCount.Load(); count > 0 {
		snap.AvgHoldNs = m.holdTotalNs.Load() / count
	}
	for i := range HoldLatencyBuckets {
		snap.HoldHistogram[i] = m.holdBuckets[i].Load()
	}
	return snap
}

// Reset zeroes all counters and restarts the uptime clock; useful in
// tests that assert on deltas rather than absolute values.
func (m *Metrics) Reset() {
	m.ULFramesSent.Store(0)
	m.DLFramesReceived.Store(0)
	m.IOErrors.Store(0)
	m.ULErrors.Store(0)
	m.ULPauses.Store(0)
	m.DLXRuns.Store(0)
	m.EventsDropped.Store(0)
	m.WakelineToggles.Store(0)
	m.holdTotalNs.Store(0)
	m.holdCount.Store(0)
	for i := range m.holdBuckets {
		m.holdBuckets[i].Store(0)
	}
	m.startTime.Store(time.Now().UnixNano())
}
