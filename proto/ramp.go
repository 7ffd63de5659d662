package proto

// TestDataRampReq begins the loopback test-ramp sequence: permitted only
// from DISCONNECTED, it moves the session to TEST_PING. The caller
// (transport layer) is responsible for raising the test-ping wakeline,
// sizing the UL slot, filling it with the ramp payload, and signaling
// UL_DATA_READY; this method only tracks the resulting state.
func (m *Machine) TestDataRampReq() error {
	if m.S != Disconnected {
		return errWrongState
	}
	m.S = TestPing
	return nil
}

// TestSequenceReceived reports that a ramp-bearing DL frame has arrived,
// completing the loopback test and returning the session to DISCONNECTED.
func (m *Machine) TestSequenceReceived() {
	if m.S == TestPing {
		m.resetToDisconnected()
	}
}
