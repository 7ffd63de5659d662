package proto

import "github.com/maemo-leste/libcmtspeechdata/codec"

// StateChangeCallStatus notifies the engine that the application's call
// server has become active or inactive. It is the trigger for the
// CONNECTED/DISCONNECTED transaction: an active call asks the peer to
// enable the SSI session, an inactive one asks it to disable it again.
//
// If an SSI_CONFIG transaction (connect or disconnect) is already
// outstanding when the call status flips, the request is deferred: T moves to SSI_CONFIG_PEND and is resolved once the
// in-flight SSI_CONFIG_RESP arrives, rather than racing a second request
// onto the wire.
func (m *Machine) StateChangeCallStatus(w Writer, active bool) error {
	if m.CallServerActive == active {
		return nil
	}
	m.CallServerActive = active

	if active {
		switch {
		case m.S == Invalid || m.S == TestPing:
			// The peer's view of the session is unknown (or busy with a
			// test ramp); reset first, then connect once the response
			// settles. HandleCommand's RESET_CONN_RESP branch issues the
			// deferred SSI_CONFIG_REQ(1).
			m.T = tResetBeforeConnect
			return m.WriteCommand(w, codec.EncodeResetConnReq())

		case (m.S == ActiveDL || m.S == ActiveDLUL) && m.IOErrors > 0:
			// Control writes have been failing while the session claims to
			// be active: the peer crashed and rebooted. Re-initialize from
			// DISCONNECTED and connect again.
			m.S = Disconnected
			m.T = tIdle
			return m.SendSSIConfigRequest(w, true)

		case m.T == tConnecting || m.T == tDisconnecting:
			// A request in the opposite direction is already in flight;
			// defer resolution to HandleCommand's SSIConfigResp branch,
			// which reads CallServerActive to decide which way to go once
			// it settles.
			m.T = tSSIConfigPend
			return nil

		case m.T == tSSIConfigPend || m.T == tResetBeforeConnect:
			// Already deferred; the eventual response picks up the latest
			// CallServerActive value.
			return nil

		case m.S == Disconnected:
			return m.SendSSIConfigRequest(w, true)

		default:
			return nil
		}
	}

	switch {
	case m.T == tConnecting || m.T == tDisconnecting:
		m.T = tSSIConfigPend
		return nil

	case m.T == tSSIConfigPend || m.T == tResetBeforeConnect:
		return nil

	case m.T == tConfigDeactPend:
		// We still owe the peer a SPEECH_CONFIG_RESP; tearing the session
		// down underneath it would cross messages on the wire. Record the
		// anomaly and wait for the response to go out.
		m.IOErrors++
		return nil

	case m.S == Connected:
		return m.SendSSIConfigRequest(w, false)

	default:
		// ACTIVE_*: no action here; the modem sends SPEECH_CONFIG_REQ
		// with stream=0 itself once its own call signaling catches up.
		return nil
	}
}
