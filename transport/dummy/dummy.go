// Package dummy provides an in-process emulation of the cellular-modem
// peer, used for development and automated testing without real hardware.
// It answers control messages the way the CMT firmware would and paces
// downlink speech frames on a fixed timer, modeled on the reference
// library's dummy-backend tone generator.
package dummy

import (
	"sync"
	"time"

	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/maemo-leste/libcmtspeechdata/internal/constants"
	"github.com/maemo-leste/libcmtspeechdata/internal/trace"
	"github.com/maemo-leste/libcmtspeechdata/transport"
	"github.com/maemo-leste/libcmtspeechdata/transport/bufmgr"
)

// maxSlotOctets sizes the backing storage for every ring slot; geometry
// changes only ever shrink or grow the usable prefix of it.
const maxSlotOctets = constants.SlotOctets16kHz

// Backend is a software-only transport.Backend. It has no file descriptor;
// Descriptor returns -1 and callers must use ReadControl directly (or
// drive it from a goroutine) instead of polling.
type Backend struct {
	mu sync.Mutex

	events chan [4]byte
	closed bool

	connected bool
	active    bool
	layout    codec.SampleLayout

	dl *bufmgr.DLManager
	ul *bufmgr.ULManager

	ulStorage [constants.ULSlots][maxSlotOctets]byte
	dlStorage [constants.DLSlots][maxSlotOctets]byte

	rxCounter   uint32
	toneCounter uint16
	xrunPending bool
	started     time.Time
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New returns a dummy backend ready to accept control traffic.
func New() *Backend {
	b := &Backend{
		events:  make(chan [4]byte, constants.EventBufferSize),
		stop:    make(chan struct{}),
		layout:  codec.LayoutInorderLE,
		started: time.Now(),
		dl:      bufmgr.NewDLManager(constants.DLSlots, constants.SlotOctets16kHz),
		ul:      bufmgr.NewULManager(constants.ULSlots, constants.SlotOctets16kHz),
	}
	return b
}

func (b *Backend) Name() string { return "cmtspeech_dummy" }

// Descriptor always returns -1: the dummy backend has no pollable fd.
func (b *Backend) Descriptor() int { return -1 }

// WriteControl feeds a control message to the emulated peer and, for
// message types that warrant an immediate reply, queues that reply for a
// subsequent ReadControl.
func (b *Backend) WriteControl(msg [4]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	if codec.GetDomain(msg) != codec.DomainControl {
		return nil
	}
	switch codec.GetType(msg) {
	case codec.SSIConfigReq:
		layout, _, state := codec.DecodeSSIConfigReq(msg)
		b.connected = state
		if state && layout != codec.LayoutNoPref {
			b.layout = layout
		}
		if !state {
			b.active = false
		}
		b.emitLocked(codec.EncodeSSIConfigResp(b.layout, codec.SSIConfigSuccess))
		if state {
			// The emulated CMT asks for buffer configuration once the SSI
			// session is up, the way real firmware does before it starts
			// pushing frames.
			b.emitLocked(codec.EncodeSpeechConfigReq(codec.SpeechConfigReqFields{
				SpeechDataStream: true,
				SampleRate:       codec.SampleRate16kHz,
				DataFormat:       codec.DataFormatS16LinPCM,
			}))
		}

	case codec.SpeechConfigResp:
		// The host's reply to the CMT's SPEECH_CONFIG_REQ: only now may
		// downlink frames start (or must stop, for a deactivate request).
		if codec.DecodeSpeechConfigResp(msg) == 0 {
			b.active = b.connected
		}

	case codec.NewTimingConfigReq:
		b.emitLocked(codec.EncodeTimingConfigNTF(0, 0))

	case codec.ResetConnReq:
		b.connected = false
		b.active = false
		b.emitLocked(codec.EncodeResetConnResp())

	case codec.TestRampPing:
		domain, replyDomain, start, length := codec.DecodeTestRampPing(msg)
		_ = domain
		b.emitLocked(codec.EncodeTestRampPing(codec.Domain(replyDomain), replyDomain, start, length))
	}
	return nil
}

func (b *Backend) emitLocked(msg [4]byte) {
	select {
	case b.events <- msg:
	default:
		trace.Errorf("dummy backend event queue full, dropping reply")
	}
}

// ReadControl blocks until the emulated peer has a message to deliver.
func (b *Backend) ReadControl() ([4]byte, error) {
	msg, ok := <-b.events
	if !ok {
		return [4]byte{}, transport.ErrClosed
	}
	return msg, nil
}

// Run starts the DL frame generator, pacing frames at DummyFrameInterval
// whenever the session is active. It returns once Close is called.
func (b *Backend) Run() {
	b.wg.Add(1)
	defer b.wg.Done()
	ticker := time.NewTicker(constants.DummyFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.active {
				b.rxCounter++
				if x := b.dl.Observe(b.rxCounter); len(x) > 0 {
					b.xrunPending = true
				}
				idx := int(b.rxCounter-1) % constants.DLSlots
				header := codec.EncodeDLDataHeader(codec.DLDataHeaderFields{
					FrameCounter:    b.toneCounter,
					DataLength:      codec.DataLength20ms,
					SampleRate:      codec.SampleRate16kHz,
					CodecSampleRate: codec.SampleRate16kHz,
					DataType:        codec.DataTypeValid,
				})
				copy(b.dlStorage[idx][:], header[:])
				b.toneCounter++
			}
			b.mu.Unlock()
		}
	}
}

// ULBufferAcquire returns the next free uplink slot; the dummy backend
// discards whatever the application writes to it.
func (b *Backend) ULBufferAcquire() (*transport.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.ul.Acquire()
	if err != nil {
		return nil, err
	}
	return &transport.Buffer{Index: idx, Data: b.ulStorage[idx][:b.ul.SlotSize()], Status: bufmgr.Locked}, nil
}

// ULBufferRelease unlocks an uplink slot; the dummy backend never
// transmits UL data anywhere, so the send itself always succeeds.
func (b *Backend) ULBufferRelease(buf *transport.Buffer, ioErrorsAccumulated bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ul.Release(buf.Index, nil, ioErrorsAccumulated)
}

// DLBufferAcquire returns the oldest generated downlink frame, if any.
func (b *Backend) DLBufferAcquire() (*transport.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, last, err := b.dl.Acquire()
	if err != nil {
		return nil, err
	}
	b.ul.Resume()
	slot := b.dlStorage[idx][:b.dl.SlotSize()]
	fields := codec.DecodeDLDataHeader([4]byte(slot[:4]))
	status := bufmgr.Locked
	if last {
		status |= bufmgr.Last
	}
	return &transport.Buffer{Index: idx, Data: slot, SampleRate: fields.SampleRate, Status: status}, nil
}

// DLBufferRelease marks a downlink slot consumed, freeing it for reuse.
func (b *Backend) DLBufferRelease(buf *transport.Buffer) (bool, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dl.Release(buf.Index)
}

// DLReady reports whether a downlink slot is available without blocking,
// and whether the pacer overran a still-locked slot since the last call.
func (b *Backend) DLReady() (ready bool, xrun bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	xrun = b.xrunPending
	b.xrunPending = false
	return b.dl.Ready(), xrun
}

// RxCtrlTimestamp reports a monotonic timestamp the way the real driver's
// shared block does; the dummy backend measures from its creation.
func (b *Backend) RxCtrlTimestamp() (sec uint32, nsec uint32) {
	d := time.Since(b.started)
	return uint32(d / time.Second), uint32(d % time.Second)
}

// BeginGeometryChange reconfigures DL/UL slot size for payloadOctets.
func (b *Backend) BeginGeometryChange(payloadOctets int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := payloadOctets + constants.DataHeaderLen
	b.ul.SetSlotSize(size)
	return b.dl.BeginGeometryChange(size), nil
}

// AcquireWakeline and ReleaseWakeline are no-ops: the dummy backend
// emulates the protocol engine in-process and has no real wakeline
// hardware or VDD2 power domain to drive.
func (b *Backend) AcquireWakeline(user transport.WakelineUser) {}
func (b *Backend) ReleaseWakeline(user transport.WakelineUser) {}

// Close stops the frame generator and the event channel.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stop)
	b.wg.Wait()
	close(b.events)
	return nil
}

var _ transport.Backend = (*Backend)(nil)
