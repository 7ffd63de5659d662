// Package cmtspeech carries bidirectional real-time speech frames between
// an application processor and a cellular modem, over either a real
// character-device transport or an in-process emulation. It wraps the
// transport-agnostic protocol engine in proto with a concrete Session
// exposing the public API.
package cmtspeech

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/maemo-leste/libcmtspeechdata/internal/constants"
	"github.com/maemo-leste/libcmtspeechdata/internal/metrics"
	"github.com/maemo-leste/libcmtspeechdata/internal/trace"
	"github.com/maemo-leste/libcmtspeechdata/proto"
	"github.com/maemo-leste/libcmtspeechdata/transport"
)

// State re-exports proto.State so callers never need to import proto
// directly.
type State = proto.State

// Re-exported protocol states, matching proto's S enumeration.
const (
	StateInvalid      = proto.Invalid
	StateDisconnected = proto.Disconnected
	StateConnected    = proto.Connected
	StateActiveDL     = proto.ActiveDL
	StateActiveDLUL   = proto.ActiveDLUL
	StateTestPing     = proto.TestPing
)

// Transition re-exports proto.Transition.
type Transition = proto.Transition

// Event re-exports proto.Event; its payload fields are populated according
// to MsgType, see proto.Event for the full field list.
type Event = proto.Event

// Options configures Open. Backend is required: either a modem.Backend
// over the real character device, or a dummy.Backend to exercise the full
// protocol engine without modem hardware.
type Options struct {
	Backend            transport.Backend
	WidebandPreference bool
	TraceMask          trace.Priority
	TraceHandler       trace.Handler
}

// Session is one open cmtspeech connection: a transport backend plus the
// protocol state machine driving it.
type Session struct {
	backend transport.Backend
	machine *proto.Machine
	writer  backendWriter

	events  *proto.EventQueue
	metrics *metrics.Metrics

	lastULSampleRate codec.SampleRate
	ulFrameCounter   uint16

	// deferredConfigResp is set when an inbound SPEECH_CONFIG_REQ could
	// not be answered immediately because the application still held
	// downlink slots; the release of the last one sends the reply.
	deferredConfigResp bool

	// dlSwap holds the per-slot private buffers downlink frames are
	// copied into when the negotiated layout requires a half-word swap:
	// the shared mmap region must never be modified from this side.
	dlSwap [constants.DLSlots][]byte

	// lockedDL tracks every downlink buffer currently held by the
	// application, so a raw byte slice handed back across an API
	// boundary (e.g. into a decoder that only sees []byte) can be
	// matched back to its descriptor by DLBufferFindWithData/Payload.
	lockedDL []*transport.Buffer
}

type backendWriter struct{ b transport.Backend }

func (w backendWriter) Write(msg [4]byte) error { return w.b.WriteControl(msg) }

// Open creates a Session over opts.Backend and returns it in DISCONNECTED
// state. It fails with ErrCodeInvalid if no backend is given.
func Open(opts Options) (*Session, error) {
	trace.InitFromEnv()
	if opts.TraceHandler != nil {
		trace.SetHandler(opts.TraceHandler)
	}
	if opts.TraceMask != 0 {
		trace.Toggle(opts.TraceMask, true)
	}

	backend := opts.Backend
	if backend == nil {
		return nil, NewError("OPEN", ErrCodeInvalid, "no backend supplied")
	}

	s := &Session{
		backend: backend,
		machine: proto.New(),
		events:  proto.NewEventQueue(constants.EventBufferSize),
		metrics: metrics.NewMetrics(),
	}
	s.writer = backendWriter{backend}
	if opts.WidebandPreference {
		if err := s.machine.SetWBPreference(true); err != nil {
			return nil, translateProtoErr("OPEN", err)
		}
	}
	return s, nil
}

// Close releases the session's transport resources.
func (s *Session) Close() error {
	if err := s.backend.Close(); err != nil {
		return WrapError("CLOSE", err)
	}
	return nil
}

// Descriptor returns the file descriptor the application should poll for
// readability, or -1 for backends with no pollable descriptor (dummy).
func (s *Session) Descriptor() int {
	return s.backend.Descriptor()
}

// PendingFlags reports which event classes are ready without blocking:
// a decoded event already queued or a control message waiting on the
// transport, a downlink frame ready to acquire, and an overrun detected
// since the previous check.
type PendingFlags struct {
	Control bool
	DLData  bool
	XRun    bool
}

// Any reports whether any flag is set.
func (p PendingFlags) Any() bool { return p.Control || p.DLData || p.XRun }

// CheckPending reports whether a control message or downlink frame is
// immediately available without blocking. Backends with no descriptor
// (dummy) always report Control pending, relying on ReadEvent's own
// blocking receive instead.
func (s *Session) CheckPending() PendingFlags {
	var flags PendingFlags
	flags.DLData, flags.XRun = s.backend.DLReady()

	if s.events.Len() > 0 {
		flags.Control = true
		return flags
	}

	fd := s.backend.Descriptor()
	if fd < 0 {
		flags.Control = true
		return flags
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	flags.Control = err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
	return flags
}

// ReadEvent dequeues one event: either one already synthesized internally
// (a deferred geometry-change completion, or a test-ramp completion
// observed on the data path) or, if none is queued, the next inbound
// control message, blocking until it arrives. Internal-domain wakeups
// (RX_DATA_RECEIVED) are consumed silently; PEER_RESET is surfaced as a
// synthetic reset event.
func (s *Session) ReadEvent() (Event, error) {
	if ev, ok := s.events.Pop(); ok {
		return ev, nil
	}

	for {
		msg, err := s.backend.ReadControl()
		if err != nil {
			return Event{}, WrapError("READ_EVENT", err)
		}
		if codec.GetDomain(msg) == codec.DomainInternal {
			if codec.GetType(msg) == codec.InternalPeerReset {
				prev := s.machine.S
				s.machine.StateChangeReset()
				s.dropAllWakelineUsers()
				return Event{
					MsgType:   proto.EventReset,
					PrevState: prev,
					State:     s.machine.S,
					ResetDone: &proto.ResetDonePayload{CMTSentReq: true},
				}, nil
			}
			// RX_DATA_RECEIVED and the UL doorbell echo carry no event;
			// the DL pointer state they announce is picked up by DLReady.
			continue
		}
		if codec.GetDomain(msg) != codec.DomainControl {
			trace.Debugf("ignoring message in domain %d", codec.GetDomain(msg))
			continue
		}
		ev, err := s.machine.HandleCommand(s.writer, msg)
		if err != nil {
			return Event{}, translateProtoErr("READ_EVENT", err)
		}
		if ev.SpeechConfigReq != nil {
			s.handleSpeechConfigReq(ev.SpeechConfigReq)
		}
		if ev.TimingConfigNTF != nil {
			ev.TimingConfigNTF.TstampSec, ev.TimingConfigNTF.TstampNsec = s.backend.RxCtrlTimestamp()
		}
		// A SPEECH_CONFIG_REQ answered immediately drives the
		// activation/deactivation transition through the reply we just
		// sent; capture the settled state, not the one HandleCommand saw.
		// In the deferred case the machine hasn't moved yet, so this is a
		// no-op there.
		ev.State = s.machine.S
		if ev.MsgType == proto.EventReset {
			// A reset, whether we requested it or the peer did, drops every
			// wakeline user: the engine is back to DISCONNECTED and nothing
			// held across the reset remains meaningful.
			s.dropAllWakelineUsers()
		}
		return ev, nil
	}
}

func (s *Session) dropAllWakelineUsers() {
	s.backend.ReleaseWakeline(transport.WakelineCall)
	s.backend.ReleaseWakeline(transport.WakelineReset)
	s.backend.ReleaseWakeline(transport.WakelineTestPing)
	s.metrics.RecordWakelineToggle()
}

// handleSpeechConfigReq drives the buffer-geometry side effects of an
// inbound SPEECH_CONFIG_REQ: it reconfigures the transport for the
// requested sample rate and, once that can apply, sends the deferred
// SPEECH_CONFIG_RESP. If any downlink slot was still locked when the
// request arrived, the reply (and the transition it drives) is deferred
// until DLBufferRelease reports the last one released.
func (s *Session) handleSpeechConfigReq(req *proto.SpeechConfigReqPayload) {
	req.LayoutChanged = req.SampleRate != s.lastULSampleRate
	s.lastULSampleRate = req.SampleRate

	if !req.SpeechDataStream {
		// Deactivation resets geometry to zero. Slots the application
		// still holds keep LOCKED|INVALID until released; the response is
		// not deferred for them.
		if _, err := s.backend.BeginGeometryChange(0); err != nil {
			trace.Errorf("geometry reset failed: %v", err)
		}
		if err := s.machine.WriteCommand(s.writer, codec.EncodeSpeechConfigResp(0)); err != nil {
			trace.IOf("SPEECH_CONFIG_RESP (deactivate) failed: %v", err)
		}
		return
	}

	completed, err := s.backend.BeginGeometryChange(payloadOctetsForRate(req.SampleRate))
	if err != nil {
		trace.Errorf("buffer geometry change failed: %v", err)
		if werr := s.machine.WriteCommand(s.writer, codec.EncodeSpeechConfigResp(1)); werr != nil {
			trace.IOf("SPEECH_CONFIG_RESP (failure) failed: %v", werr)
		}
		return
	}
	if completed {
		if err := s.machine.WriteCommand(s.writer, codec.EncodeSpeechConfigResp(0)); err != nil {
			trace.IOf("SPEECH_CONFIG_RESP failed: %v", err)
		}
		return
	}
	// DLBufferRelease sends the reply once the last outstanding downlink
	// slot is released.
	s.deferredConfigResp = true
}

func payloadOctetsForRate(rate codec.SampleRate) int {
	if rate == codec.SampleRate8kHz {
		return constants.SlotOctets8kHz - constants.DataHeaderLen
	}
	return constants.SlotOctets16kHz - constants.DataHeaderLen
}

// EventToStateTransition classifies ev into its named transition.
func (s *Session) EventToStateTransition(ev Event) Transition {
	return proto.EventToStateTransition(ev)
}

// ProtocolState returns the session's current protocol state.
func (s *Session) ProtocolState() State { return s.machine.S }

// IsSSIConnectionEnabled reports whether the SSI session is currently open.
func (s *Session) IsSSIConnectionEnabled() bool { return s.machine.IsSSIConnectionEnabled() }

// IsActive reports whether the speech data stream is currently flowing.
func (s *Session) IsActive() bool { return s.machine.IsActive() }

// SetWBPreference toggles the advertised protocol version.
func (s *Session) SetWBPreference(enabled bool) error {
	if err := s.machine.SetWBPreference(enabled); err != nil {
		return translateProtoErr("SET_WB_PREFERENCE", err)
	}
	return nil
}

// StateChangeCallStatus notifies the engine that the application's call
// server has become active or inactive. The call wakeline use-bit is
// raised for the duration of the call so the transport keeps the modem
// link awake even between speech frames.
func (s *Session) StateChangeCallStatus(active bool) error {
	if err := s.machine.StateChangeCallStatus(s.writer, active); err != nil {
		return translateProtoErr("STATE_CHANGE_CALL_STATUS", err)
	}
	if active {
		s.backend.AcquireWakeline(transport.WakelineCall)
	} else {
		s.backend.ReleaseWakeline(transport.WakelineCall)
	}
	s.metrics.RecordWakelineToggle()
	return nil
}

// StateChangeCallConnect records call-connected status.
func (s *Session) StateChangeCallConnect(connected bool) {
	s.machine.StateChangeCallConnect(connected)
}

// StateChangeError signals a local error, asking the peer to reset. The
// reset wakeline stays raised until the peer's RESET_CONN_RESP arrives:
// the modem may be asleep and would otherwise miss the request. Slot
// geometry is reset alongside the protocol state.
func (s *Session) StateChangeError() error {
	s.backend.AcquireWakeline(transport.WakelineReset)
	s.metrics.RecordWakelineToggle()
	if err := s.machine.StateChangeError(s.writer); err != nil {
		return WrapError("STATE_CHANGE_ERROR", err)
	}
	s.deferredConfigResp = false
	if _, err := s.backend.BeginGeometryChange(0); err != nil {
		trace.Errorf("geometry reset failed: %v", err)
	}
	return nil
}

// SendTimingRequest sends NEW_TIMING_CONFIG_REQ.
func (s *Session) SendTimingRequest() error {
	if err := s.machine.SendTimingRequest(s.writer); err != nil {
		return WrapError("SEND_TIMING_REQUEST", err)
	}
	return nil
}

// SendSSIConfigRequest sends SSI_CONFIG_REQ(state).
func (s *Session) SendSSIConfigRequest(state bool) error {
	if err := s.machine.SendSSIConfigRequest(s.writer, state); err != nil {
		return translateProtoErr("SEND_SSI_CONFIG_REQUEST", err)
	}
	return nil
}

// TestDataRampReq begins the loopback test-ramp sequence: permitted only
// in DISCONNECTED, it raises the test-ping wakeline, reconfigures the
// transport for a 4+4*length octet slot, fills the next free uplink slot
// (round-robin, so not necessarily slot 0) with a ramp frame, and hands
// it to the driver. The session returns to DISCONNECTED
// once a ramp-bearing downlink frame comes back.
func (s *Session) TestDataRampReq(start, length uint8) error {
	if err := s.machine.TestDataRampReq(); err != nil {
		return translateProtoErr("TEST_DATA_RAMP_REQ", err)
	}
	s.backend.AcquireWakeline(transport.WakelineTestPing)
	s.metrics.RecordWakelineToggle()
	if _, err := s.backend.BeginGeometryChange(4 * int(length)); err != nil {
		return WrapError("TEST_DATA_RAMP_REQ", err)
	}
	ulBuf, err := s.backend.ULBufferAcquire()
	if err != nil {
		return WrapError("TEST_DATA_RAMP_REQ", err)
	}
	fillRamp(ulBuf.Data, start, length)
	if err := s.backend.ULBufferRelease(ulBuf, s.machine.IOErrors > 0); err != nil {
		return WrapError("TEST_DATA_RAMP_REQ", err)
	}
	return nil
}

// fillRamp writes the ramp frame: a TEST_RAMP_PING header addressed to
// the data domain, followed by a monotonically increasing octet ramp
// filling the rest of the slot.
func fillRamp(buf []byte, start, length uint8) {
	header := codec.EncodeTestRampPing(codec.DomainData, uint8(codec.DomainData), start, length)
	copy(buf, header[:])
	v := start
	for i := constants.DataHeaderLen; i < len(buf); i++ {
		buf[i] = v
		v++
	}
}

// ULBufferAcquire returns the next uplink slot for the application to
// fill. It is only meaningful once the peer has asked for uplink data;
// outside ACTIVE_DLUL it fails with ErrCodeInvalid.
func (s *Session) ULBufferAcquire() (*transport.Buffer, error) {
	if s.machine.S != proto.ActiveDLUL {
		return nil, NewError("UL_BUFFER_ACQUIRE", ErrCodeInvalid, "uplink is not active")
	}
	buf, err := s.backend.ULBufferAcquire()
	if err != nil {
		return nil, translateTransportErr("UL_BUFFER_ACQUIRE", err)
	}
	return buf, nil
}

// ULBufferRelease finalizes and hands a filled uplink slot back for
// transmission: the frame header is written over the slot's first four
// octets with the running sequence counter (advanced by 4, one tick per
// 5 ms subframe of the 20 ms frame), and the payload is half-word
// swapped if the negotiated layout requires it. A release outside
// ACTIVE_DLUL fails with ErrCodeBrokenPipe: the uplink stream has
// already been torn down under the caller.
func (s *Session) ULBufferRelease(buf *transport.Buffer) error {
	if s.machine.S != proto.ActiveDLUL {
		return NewError("UL_BUFFER_RELEASE", ErrCodeBrokenPipe, "uplink is no longer active")
	}
	rate := s.lastULSampleRate
	if rate == codec.SampleRateNone {
		rate = codec.SampleRate8kHz
	}
	header := codec.EncodeULDataHeader(s.ulFrameCounter, codec.DataLength20ms, rate, codec.DataTypeValid)
	copy(buf.Data, header[:])
	s.ulFrameCounter += 4
	if s.machine.SampleLayout.Swapped() {
		codec.SwapHalfwords(buf.Payload())
	}
	if err := s.backend.ULBufferRelease(buf, s.machine.IOErrors > 0); err != nil {
		s.metrics.RecordULError()
		return translateTransportErr("UL_BUFFER_RELEASE", err)
	}
	s.metrics.RecordULFrame()
	return nil
}

// DLBufferAcquire returns the next downlink slot filled by the peer.
// When the negotiated layout is SWAPPED_LE, the slot is copied out of the
// shared region into a private per-slot buffer and its payload half-word
// swapped there; the shared region itself is never modified.
func (s *Session) DLBufferAcquire() (*transport.Buffer, error) {
	buf, err := s.backend.DLBufferAcquire()
	if err != nil {
		return nil, translateTransportErr("DL_BUFFER_ACQUIRE", err)
	}
	if s.machine.SampleLayout.Swapped() && buf.Index >= 0 && buf.Index < len(s.dlSwap) {
		if len(s.dlSwap[buf.Index]) < len(buf.Data) {
			s.dlSwap[buf.Index] = make([]byte, len(buf.Data))
		}
		swap := s.dlSwap[buf.Index][:len(buf.Data)]
		copy(swap, buf.Data)
		codec.SwapHalfwords(swap[constants.DataHeaderLen:])
		buf.Data = swap
	}
	if s.machine.S == proto.TestPing {
		prev := s.machine.S
		s.machine.TestSequenceReceived()
		s.backend.ReleaseWakeline(transport.WakelineTestPing)
		s.metrics.RecordWakelineToggle()
		s.pushEvent(Event{MsgType: proto.EventStateChange, PrevState: prev, State: s.machine.S})
	}
	s.lockedDL = append(s.lockedDL, buf)
	return buf, nil
}

// DLBufferFindWithData returns the locked downlink buffer whose full
// slot (header + payload) backs the given slice, for callers that have
// only a raw []byte and need to recover the descriptor to release it.
func (s *Session) DLBufferFindWithData(data []byte) (*transport.Buffer, bool) {
	return s.findLockedDL(data)
}

// DLBufferFindWithPayload returns the locked downlink buffer whose
// payload (header stripped) backs the given slice.
func (s *Session) DLBufferFindWithPayload(payload []byte) (*transport.Buffer, bool) {
	for _, buf := range s.lockedDL {
		if len(buf.Data) < constants.DataHeaderLen {
			continue
		}
		if sameBacking(buf.Data[constants.DataHeaderLen:], payload) {
			return buf, true
		}
	}
	return nil, false
}

func (s *Session) findLockedDL(data []byte) (*transport.Buffer, bool) {
	for _, buf := range s.lockedDL {
		if sameBacking(buf.Data, data) {
			return buf, true
		}
	}
	return nil, false
}

// unlockDL removes buf from the locked-buffer registry, called on
// DLBufferRelease regardless of outcome.
func (s *Session) unlockDL(buf *transport.Buffer) {
	for i, b := range s.lockedDL {
		if b == buf {
			s.lockedDL = append(s.lockedDL[:i], s.lockedDL[i+1:]...)
			return
		}
	}
}

// sameBacking reports whether a and b are non-empty slices over the same
// underlying array start, i.e. the same shared-memory slot.
func sameBacking(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return unsafe.Pointer(&a[0]) == unsafe.Pointer(&b[0])
}

// DLBufferRelease returns a downlink slot once consumed. If this was the
// last slot blocking a deferred buffer-geometry change, it sends the
// pending SPEECH_CONFIG_RESP and queues a state-change event. A release
// of a slot the driver overran reports ErrCodeBrokenPipe (the XRUN is
// cleared either way), except while a geometry change is pending, where
// cooperating with the reconfiguration takes precedence.
func (s *Session) DLBufferRelease(buf *transport.Buffer) error {
	s.unlockDL(buf)
	pendingChange := s.deferredConfigResp
	wasXRun, geometryComplete, err := s.backend.DLBufferRelease(buf)
	if err != nil {
		return translateTransportErr("DL_BUFFER_RELEASE", err)
	}
	if wasXRun {
		s.metrics.RecordXRun()
	} else {
		s.metrics.RecordDLFrame(0)
	}
	if geometryComplete && pendingChange {
		s.deferredConfigResp = false
		prev := s.machine.S
		if werr := s.machine.WriteCommand(s.writer, codec.EncodeSpeechConfigResp(0)); werr != nil {
			trace.IOf("deferred SPEECH_CONFIG_RESP failed: %v", werr)
		}
		s.pushEvent(Event{MsgType: proto.EventStateChange, PrevState: prev, State: s.machine.S})
	}
	if wasXRun && !pendingChange {
		return NewError("DL_BUFFER_RELEASE", ErrCodeBrokenPipe, "slot was overrun while held")
	}
	return nil
}

// pushEvent enqueues an internally-synthesized event, counting a dropped
// oldest entry on ring overflow.
func (s *Session) pushEvent(ev Event) {
	if s.events.Push(ev) {
		s.metrics.RecordEventDropped()
	}
}

// BackendName identifies the active transport implementation.
func (s *Session) BackendName() string { return s.backend.Name() }

// SendBackendMessage forwards a backend-specific message to transports
// that support custom messages; it is a no-op on those that don't.
func (s *Session) SendBackendMessage(msgType int, args ...any) error {
	cm, ok := s.backend.(transport.CustomMessenger)
	if !ok {
		return nil
	}
	if err := cm.BackendMessage(msgType, args...); err != nil {
		return WrapError("SEND_BACKEND_MESSAGE", err)
	}
	return nil
}

// MetricsSnapshot returns a point-in-time copy of the session's counters
// (frame counts, uplink/downlink errors, wakeline toggles, XRUN count,
// dropped-event count, and the downlink hold-latency histogram). The
// session does not time how long a downlink slot is held: each released,
// non-overrun frame is recorded with a zero hold time, so AvgHoldNs is
// zero and every sample falls in the lowest histogram bucket.
func (s *Session) MetricsSnapshot() metrics.MetricsSnapshot { return s.metrics.Snapshot() }

// VersionStr returns the library's version string.
func VersionStr() string { return libraryVersion }

// ProtocolVersion returns the currently negotiated wire-protocol version.
func (s *Session) ProtocolVersion() int { return s.machine.ConfProtoVersion }

// TraceToggle enables or disables a diagnostics category.
func TraceToggle(priority trace.Priority, enabled bool) { trace.Toggle(priority, enabled) }

// SetTraceHandler installs a custom diagnostics sink.
func SetTraceHandler(h trace.Handler) { trace.SetHandler(h) }

const libraryVersion = "2.0.0"

func translateProtoErr(op string, err error) error {
	switch {
	case errors.Is(err, proto.ErrSessionEnabled), errors.Is(err, proto.ErrWrongState), errors.Is(err, proto.ErrUnknownMessage):
		return NewError(op, ErrCodeInvalid, err.Error())
	case errors.Is(err, proto.ErrTransactionBusy):
		return NewError(op, ErrCodeBusy, err.Error())
	default:
		return WrapError(op, err)
	}
}

func translateTransportErr(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrNoBufs):
		return NewError(op, ErrCodeNoBufs, err.Error())
	case errors.Is(err, transport.ErrNoData):
		return NewError(op, ErrCodeNoData, err.Error())
	case errors.Is(err, transport.ErrBrokenPipe), errors.Is(err, transport.ErrClosed):
		return NewError(op, ErrCodeBrokenPipe, err.Error())
	case errors.Is(err, transport.ErrULBusy):
		return NewError(op, ErrCodeBusy, err.Error())
	case errors.Is(err, transport.ErrULPausedIO):
		return NewError(op, ErrCodeIO, err.Error())
	case errors.Is(err, transport.ErrULFatal):
		return NewError(op, ErrCodeInvalid, err.Error())
	case errors.Is(err, transport.ErrNotFound):
		return NewError(op, ErrCodeNotFound, err.Error())
	default:
		return WrapError(op, err)
	}
}
