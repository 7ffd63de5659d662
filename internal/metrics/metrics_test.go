package metrics

import "testing"

func TestMetricsRecordAndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordULFrame()
	m.RecordULFrame()
	m.RecordDLFrame(10_000_000)
	m.RecordIOError()
	m.RecordULError()
	m.RecordULPause()
	m.RecordXRun()
	m.RecordEventDropped()
	m.RecordWakelineToggle()

	snap := m.Snapshot()
	if snap.ULFramesSent != 2 {
		t.Errorf("ULFramesSent = %d, want 2", snap.ULFramesSent)
	}
	if snap.DLFramesReceived != 1 {
		t.Errorf("DLFramesReceived = %d, want 1", snap.DLFramesReceived)
	}
	if snap.AvgHoldNs != 10_000_000 {
		t.Errorf("AvgHoldNs = %d, want 10000000", snap.AvgHoldNs)
	}
	for _, got := range []uint64{snap.IOErrors, snap.ULErrors, snap.ULPauses, snap.DLXRuns, snap.EventsDropped, snap.WakelineToggles} {
		if got != 1 {
			t.Errorf("counter = %d, want 1", got)
		}
	}
}

func TestMetricsHoldHistogram(t *testing.T) {
	m := NewMetrics()
	m.RecordDLFrame(2_000_000)  // falls in every bucket >= 5ms
	m.RecordDLFrame(50_000_000) // falls in buckets >= 100ms

	snap := m.Snapshot()
	if snap.HoldHistogram[0] != 0 {
		t.Errorf("1ms bucket should not count a 2ms sample, got %d", snap.HoldHistogram[0])
	}
	if snap.HoldHistogram[1] != 1 {
		t.Errorf("5ms bucket should count the 2ms sample once, got %d", snap.HoldHistogram[1])
	}
	if snap.HoldHistogram[4] != 2 {
		t.Errorf("100ms bucket should count both samples, got %d", snap.HoldHistogram[4])
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordULFrame()
	m.RecordXRun()
	m.Reset()
	snap := m.Snapshot()
	if snap.ULFramesSent != 0 || snap.DLXRuns != 0 {
		t.Errorf("Reset did not clear counters: %+v", snap)
	}
}
