package proto

import (
	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/maemo-leste/libcmtspeechdata/internal/trace"
)

// assertState logs a protocol violation without aborting processing.
// Per the error-handling policy, an unexpected message in the current
// state is logged and the event is still delivered; the engine never
// closes the session on its own account.
func (m *Machine) assertState(context string, ok bool) {
	if !ok {
		trace.Errorf("protocol violation: %s (state=%s)", context, m.S)
	}
}

func (m *Machine) encodeSSIConfigReq(state bool) [4]byte {
	return codec.EncodeSSIConfigReq(codec.LayoutInorderLE, uint8(m.ConfProtoVersion), state)
}

// WriteCommand sends a raw control message through w, updating the I/O
// error counter and driving any outbound-observed transition (postCommand)
// on success. Writes to the internal domain bypass postCommand, matching
// the reference backend (internal messages have no transaction to settle).
func (m *Machine) WriteCommand(w Writer, msg [4]byte) error {
	if err := w.Write(msg); err != nil {
		m.IOErrors++
		trace.IOf("control write failed: %v", err)
		return err
	}
	m.IOErrors = 0
	if codec.GetDomain(msg) != codec.DomainInternal {
		m.postCommand(w, msg)
	}
	return nil
}

// postCommand applies the transitions that are only observable once a
// message we sent has actually gone out: RESET_CONN_REQ invalidates our
// own state immediately, and a locally-produced SPEECH_CONFIG_RESP drives
// TR3/TR4/TR5/TR11 plus the auto-sent follow-up commands they imply.
func (m *Machine) postCommand(w Writer, msg [4]byte) {
	switch codec.GetType(msg) {
	case codec.ResetConnReq:
		// Sent only on error; our prior state is no longer meaningful.
		m.S = Invalid

	case codec.SpeechConfigResp:
		result := codec.DecodeSpeechConfigResp(msg)
		m.assertState("SPEECH_CONFIG_RESP sent with no pending transaction",
			m.T == tConfigActPend || m.T == tConfigDeactPend)
		if result != 0 {
			trace.Errorf("local SPEECH_CONFIG_RESP failure, result=%d", result)
			m.T = tIdle
			return
		}
		switch {
		case m.S == Connected && m.T == tConfigActPend:
			m.S = ActiveDL // TR3
			m.T = tIdle
			if err := m.SendTimingRequest(w); err != nil {
				trace.IOf("auto NEW_TIMING_CONFIG_REQ failed: %v", err)
			}
		case (m.S == ActiveDL || m.S == ActiveDLUL) && m.T == tConfigActPend:
			if m.S == ActiveDLUL {
				m.S = ActiveDL // TR11
			} // else TR5: no change, already ActiveDL
			m.T = tIdle
		case (m.S == ActiveDL || m.S == ActiveDLUL) && m.T == tConfigDeactPend:
			m.S = Connected // TR4
			m.T = tIdle
			if !m.CallServerActive {
				if err := m.SendSSIConfigRequest(w, false); err != nil {
					trace.IOf("auto SSI_CONFIG_REQ(0) failed: %v", err)
				}
			}
		default:
			m.T = tIdle
		}
	}
}

// SendTimingRequest sends NEW_TIMING_CONFIG_REQ and marks a timing
// transaction outstanding.
func (m *Machine) SendTimingRequest(w Writer) error {
	if err := m.WriteCommand(w, codec.EncodeNewTimingConfigReq()); err != nil {
		return err
	}
	m.T = tTiming
	return nil
}

// SendSSIConfigRequest sends SSI_CONFIG_REQ(state), advertising
// INORDER_LE layout (the layout the peer is asked to honor; our own DL
// layout preference is resolved separately once the response arrives).
func (m *Machine) SendSSIConfigRequest(w Writer, state bool) error {
	if !state {
		if !(m.S == Connected || m.T == tSSIConfigPend) {
			return errWrongState
		}
		if m.T == tDisconnecting {
			return errTransactionBusy
		}
		m.T = tDisconnecting
	} else {
		if !(m.S == Disconnected || m.T == tSSIConfigPend) {
			return errWrongState
		}
		m.T = tConnecting
	}
	if err := m.WriteCommand(w, m.encodeSSIConfigReq(state)); err != nil {
		m.T = tIdle
		return err
	}
	return nil
}

// stateChangeErrorLocked sends RESET_CONN_REQ; postCommand drives the
// resulting S=Invalid transition.
func (m *Machine) stateChangeErrorLocked(w Writer) error {
	return m.WriteCommand(w, codec.EncodeResetConnReq())
}

// StateChangeError signals a local error: the engine asks the peer for a
// protocol reset and invalidates its own state.
func (m *Machine) StateChangeError(w Writer) error {
	return m.stateChangeErrorLocked(w)
}

// StateChangeCallConnect records call-connected status; it has no
// side effect on the protocol state machine.
func (m *Machine) StateChangeCallConnect(connected bool) {
	m.CallConnected = connected
}

// StateChangeReset forces the machine back to DISCONNECTED, used by the
// transport's own reset handling path (distinct from a peer RESET_CONN_REQ,
// which arrives through HandleCommand).
func (m *Machine) StateChangeReset() {
	m.resetToDisconnected()
}

// HandleCommand decodes and applies an inbound control message, returning
// the event to deliver to the application. w is used only for the few
// message types that imply an immediate reply or follow-up command.
func (m *Machine) HandleCommand(w Writer, msg [4]byte) (Event, error) {
	typ := codec.GetType(msg)
	ev := Event{MsgType: fromMessageType(typ), PrevState: m.S}

	switch typ {
	case codec.SpeechConfigReq:
		f := codec.DecodeSpeechConfigReq(msg)
		m.assertState("SPEECH_CONFIG_REQ outside an active session",
			m.S == Connected || m.S == ActiveDL || m.S == ActiveDLUL)
		if f.SpeechDataStream {
			m.T = tConfigActPend
		} else {
			m.T = tConfigDeactPend
		}
		ev.SpeechConfigReq = &SpeechConfigReqPayload{SpeechConfigReqFields: f}

	case codec.UplinkConfigNTF:
		m.assertState("UPLINK_CONFIG_NTF outside ACTIVE_DL", m.S == ActiveDL)
		if m.S == ActiveDL {
			m.S = ActiveDLUL // TR12
		}

	case codec.TimingConfigNTF:
		msec, usec := codec.DecodeTimingConfigNTF(msg)
		m.assertState("TIMING_CONFIG_NTF outside an active session",
			m.S == ActiveDL || m.S == ActiveDLUL)
		if m.S == ActiveDL {
			// Legacy CMT firmwares omit UPLINK_CONFIG_NTF; treat the first
			// timing notification in ACTIVE_DL as the UL-start signal too.
			m.S = ActiveDLUL // TR12, legacy path
		}
		if m.T == tTiming {
			m.T = tIdle
		}
		ev.TimingConfigNTF = &TimingConfigNTFPayload{Msec: msec, Usec: usec}

	case codec.SSIConfigResp:
		layout, result := codec.DecodeSSIConfigResp(msg)
		m.assertState("SSI_CONFIG_RESP outside CONNECTED/DISCONNECTED",
			m.S == Connected || m.S == Disconnected)
		ev.SSIConfigResp = &SSIConfigRespPayload{Layout: layout, Result: result}
		if result == codec.SSIConfigSuccess {
			switch m.T {
			case tConnecting:
				m.S = Connected // TR1
				m.T = tIdle
				resolved := layout
				if resolved == codec.LayoutNoPref {
					resolved = codec.LayoutSwappedLE
				}
				m.SampleLayout = layoutFromCodec(resolved)
			case tDisconnecting:
				m.resetToDisconnected() // TR2
			case tSSIConfigPend:
				// A call-status signal arrived while a transaction was
				// already in flight; resolve it now in the direction the
				// deferred signal wants.
				if m.CallServerActive {
					m.S = Disconnected
					m.T = tConnecting
					_ = m.WriteCommand(w, m.encodeSSIConfigReq(true))
				} else {
					m.S = Connected
					m.T = tDisconnecting
					_ = m.WriteCommand(w, m.encodeSSIConfigReq(false))
				}
			}
		} else {
			trace.Errorf("SSI_CONFIG_RESP failure, result=%d", result)
			if m.T == tConnecting || m.T == tDisconnecting {
				m.T = tIdle
			}
			if err := m.stateChangeErrorLocked(w); err != nil {
				trace.IOf("reset request after SSI_CONFIG_RESP failure not sent: %v", err)
			}
		}

	case codec.ResetConnReq:
		ev.MsgType = EventReset
		ev.ResetDone = &ResetDonePayload{CMTSentReq: true}
		m.assertState("RESET_CONN_REQ while already DISCONNECTED", m.S != Disconnected)
		if err := m.WriteCommand(w, codec.EncodeResetConnResp()); err != nil {
			trace.IOf("RESET_CONN_RESP not sent: %v", err)
		}
		m.resetToDisconnected() // TR10

	case codec.ResetConnResp:
		ev.MsgType = EventReset
		ev.ResetDone = &ResetDonePayload{CMTSentReq: false}
		m.assertState("RESET_CONN_RESP while already DISCONNECTED", m.S != Disconnected)
		awaitingConnect := m.T == tResetBeforeConnect
		callActive := m.CallServerActive
		m.resetToDisconnected() // TR10
		if awaitingConnect && callActive {
			m.CallServerActive = true
			_ = m.SendSSIConfigRequest(w, true)
		}

	case codec.TestRampPing:
		m.assertState("TEST_RAMP_PING outside DISCONNECTED/TEST_PING", m.S == Disconnected || m.S == TestPing)
		// The reply is sent directly on the data path by the transport;
		// no state change is tracked for inbound pings.

	default:
		return Event{}, errUnknownMessage
	}

	ev.State = m.S
	return ev, nil
}
