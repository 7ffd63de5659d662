// Package proto implements the backend-common protocol state machine: it
// consumes decoded control messages, emits replies through a Writer, and
// reports state transitions to the application. It is transport-agnostic —
// nothing here touches a file descriptor or mmap region — so it is testable
// as a pure function of (state, input).
package proto

import (
	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/maemo-leste/libcmtspeechdata/internal/constants"
	"github.com/maemo-leste/libcmtspeechdata/internal/trace"
)

// State is the protocol session state, S in the session's data model.
type State int

const (
	Invalid State = iota
	Disconnected
	Connected
	ActiveDL
	ActiveDLUL
	TestPing
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case ActiveDL:
		return "ACTIVE_DL"
	case ActiveDLUL:
		return "ACTIVE_DLUL"
	case TestPing:
		return "TEST_PING"
	default:
		return "UNKNOWN"
	}
}

// transactionState is T, the auxiliary state tracking which request is
// outstanding. IN_SYNC means no transaction is in flight.
type transactionState int

const (
	tIdle transactionState = iota
	tTiming
	tResetBeforeConnect
	tConnecting
	tDisconnecting
	tSSIConfigPend
	tConfigActPend
	tConfigDeactPend
)

// Transition is the public transition label reported alongside a state
// change, matching the CMTSPEECH_TR_* enumeration.
type Transition int

const (
	TRInvalid       Transition = -1
	TR0NoChange     Transition = 0
	TR1Connected    Transition = 1
	TR2Disconnected Transition = 2
	TR3DLStart      Transition = 3
	TR4DLULStop     Transition = 4
	TR5ParamUpdate  Transition = 5
	TR6TimingUpdate Transition = 6
	TR7TimingUpdate Transition = 7
	TR10Reset       Transition = 10
	TR11ULStop      Transition = 11
	TR12ULStart     Transition = 12
)

// EventType distinguishes an Event's cause: either a real control message
// type, or one of the three library-synthesized event kinds.
type EventType int

const (
	EventStateChange EventType = 0xff01
	EventError       EventType = 0xff02
	EventReset       EventType = 0xff03
)

// fromMessageType lifts a wire message type into the wider EventType space.
func fromMessageType(t codec.MessageType) EventType { return EventType(t) }

// SampleLayout wraps codec.SampleLayout with an "unset" sentinel, matching
// the reference implementation's use of -1 before negotiation completes.
type SampleLayout int

const (
	SampleLayoutUnset SampleLayout = -1
)

func layoutFromCodec(l codec.SampleLayout) SampleLayout { return SampleLayout(l) }

// Swapped reports whether the negotiated layout requires a 16-bit
// half-word swap of every payload on both directions.
func (l SampleLayout) Swapped() bool { return l == SampleLayout(codec.LayoutSwappedLE) }

// Event is delivered to the application after HandleCommand processes an
// inbound message; its payload fields are populated according to MsgType.
type Event struct {
	MsgType   EventType
	PrevState State
	State     State

	SSIConfigResp   *SSIConfigRespPayload
	SpeechConfigReq *SpeechConfigReqPayload
	TimingConfigNTF *TimingConfigNTFPayload
	ResetDone       *ResetDonePayload
}

// SSIConfigRespPayload is Event's payload when MsgType is SSIConfigResp.
type SSIConfigRespPayload struct {
	Layout codec.SampleLayout
	Result codec.SSIConfigResult
}

// SpeechConfigReqPayload is Event's payload when MsgType is SpeechConfigReq.
type SpeechConfigReqPayload struct {
	codec.SpeechConfigReqFields
	LayoutChanged bool
}

// TimingConfigNTFPayload is Event's payload when MsgType is TimingConfigNTF.
// TstampSec/TstampNsec carry the transport's receive-control timestamp: the
// monotonic time the notification arrived, read from the driver's shared
// block.
type TimingConfigNTFPayload struct {
	Msec, Usec uint16

	TstampSec  uint32
	TstampNsec uint32
}

// ResetDonePayload is Event's payload when MsgType is EventReset.
type ResetDonePayload struct {
	CMTSentReq bool
}

// Writer delivers a raw control message to the peer. Implementations are
// the transport backends; the state machine never touches a descriptor
// directly.
type Writer interface {
	Write(msg [4]byte) error
}

// Machine holds protocol state S, transaction state T, and the auxiliary
// fields the reference implementation keeps alongside them.
type Machine struct {
	S State
	T transactionState

	CallServerActive bool
	CallConnected    bool
	SampleLayout     SampleLayout
	IOErrors         int
	ConfProtoVersion int
}

// New returns a Machine in its post-open state: DISCONNECTED, idle
// transaction, narrowband-only protocol preference.
func New() *Machine {
	m := &Machine{}
	m.resetToDisconnected()
	m.ConfProtoVersion = constants.ProtoVersionNB
	return m
}

func (m *Machine) resetToDisconnected() {
	m.CallServerActive = false
	m.CallConnected = false
	m.SampleLayout = SampleLayoutUnset
	m.IOErrors = 0
	m.S = Disconnected
	m.T = tIdle
	trace.StateChangef("reset to DISCONNECTED")
}

// IsSSIConnectionEnabled reports whether a completed SSI_CONFIG transaction
// currently holds the session open.
func (m *Machine) IsSSIConnectionEnabled() bool {
	return m.S == Connected || m.S == ActiveDL || m.S == ActiveDLUL
}

// IsActive reports whether the speech frame data stream is active.
func (m *Machine) IsActive() bool {
	return m.S == ActiveDL || m.S == ActiveDLUL
}

// SetWBPreference toggles the advertised protocol version between
// narrowband-only (1) and wideband-capable (2). It is forbidden while a
// session is enabled.
func (m *Machine) SetWBPreference(enabled bool) error {
	if m.IsSSIConnectionEnabled() {
		return errSessionEnabled
	}
	if enabled {
		m.ConfProtoVersion = constants.ProtoVersionWB
	} else {
		m.ConfProtoVersion = constants.ProtoVersionNB
	}
	return nil
}
