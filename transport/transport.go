// Package transport defines the boundary between the protocol engine in
// proto and the concrete carriers that move control messages and speech
// frames to a peer: the real cellular-modem character device, or the
// in-process emulation used for development and testing.
package transport

import (
	"errors"

	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/maemo-leste/libcmtspeechdata/internal/constants"
	"github.com/maemo-leste/libcmtspeechdata/transport/bufmgr"
)

// Buffer is one UL or DL speech-frame slot: a fixed-size region of the
// shared memory area together with the bookkeeping the application needs
// to use it.
type Buffer struct {
	Index      int
	Data       []byte
	SampleRate codec.SampleRate
	Status     bufmgr.Status
}

// Payload returns the speech samples past the 4-octet frame header, or
// nil for a slot too small to carry one.
func (b *Buffer) Payload() []byte {
	if len(b.Data) < constants.DataHeaderLen {
		return nil
	}
	return b.Data[constants.DataHeaderLen:]
}

// WakelineUser identifies one of the independent use-bits backing the
// transport wakeline: an active call, a reset awaiting its
// response, or the test-ramp sequence. The wakeline is raised iff at
// least one user currently holds it, and each acquire must be balanced
// by exactly one release.
type WakelineUser int

const (
	WakelineCall WakelineUser = 1 << iota
	WakelineReset
	WakelineTestPing
)

// Sentinel errors returned by Backend implementations. The façade maps
// these onto cmtspeech.Error values with the matching ErrorCode. The
// UL-specific codes mirror bufmgr's error-classification policy;
// they are re-exported here so callers need not import bufmgr directly.
var (
	ErrNoBufs     = bufmgr.ErrNoBufs
	ErrNoData     = bufmgr.ErrNoData
	ErrBrokenPipe = bufmgr.ErrBrokenPipe
	ErrULBusy     = bufmgr.ErrTransportBusy
	ErrULPausedIO = bufmgr.ErrPausedIO
	ErrULFatal    = bufmgr.ErrPausedInvalid
	ErrNotFound   = bufmgr.ErrNotFound
	ErrClosed     = errors.New("transport: backend is closed")
)

// Backend is the contract a transport must satisfy to back a Session. A
// Backend owns the underlying descriptor (character device fd, or a pair
// of in-process channels) and the UL/DL buffer pool.
type Backend interface {
	// Name identifies the backend implementation, e.g. for diagnostics.
	Name() string

	// Descriptor returns the file descriptor the application should
	// poll for readability, or -1 if the backend has none (dummy).
	Descriptor() int

	// WriteControl sends a raw 4-octet control message to the peer.
	WriteControl(msg [4]byte) error

	// ReadControl blocks until a control message is available and
	// returns its 4-octet header.
	ReadControl() ([4]byte, error)

	// ULBufferAcquire returns the next uplink slot the application may
	// fill with a speech frame.
	ULBufferAcquire() (*Buffer, error)

	// ULBufferRelease hands a filled uplink slot back to the backend for
	// transmission to the peer, applying the error-classification and
	// pause policy. ioErrorsAccumulated is the session's io_errors>0
	// state, which decides whether a paused release reports EBUSY or EIO.
	ULBufferRelease(buf *Buffer, ioErrorsAccumulated bool) error

	// DLBufferAcquire returns the next downlink slot in ring order (the
	// oldest filled frame not yet acquired), or ErrNoData if none is
	// ready, or ErrBrokenPipe if the application fell a full ring
	// behind the driver (rxPtrAppl is resynchronized to rxPtrHW).
	DLBufferAcquire() (*Buffer, error)

	// DLBufferRelease returns a downlink slot to the backend once the
	// application has consumed its contents. wasXRun reports that the
	// slot was overwritten by the driver before it was released.
	// geometryComplete reports that this was the last outstanding lock
	// blocking a deferred geometry change: the caller must now
	// send SPEECH_CONFIG_RESP.
	DLBufferRelease(buf *Buffer) (wasXRun bool, geometryComplete bool, err error)

	// DLReady reports whether a downlink slot is available to acquire
	// without blocking, for CheckPending's EVENT_DL_DATA flag, and
	// whether an overrun was detected since the last call (EVENT_XRUN).
	// The xrun indication is edge-triggered: reporting it clears it.
	DLReady() (ready bool, xrun bool)

	// RxCtrlTimestamp reads the driver's receive-control timestamp from
	// the shared block: the monotonic time the most recent control
	// message arrived at the transport.
	RxCtrlTimestamp() (sec uint32, nsec uint32)

	// BeginGeometryChange reconfigures DL/UL slot geometry for
	// payloadOctets per speech frame. It returns true if the
	// change could apply immediately because no buffer was locked;
	// otherwise completion is reported via a later DLBufferRelease.
	BeginGeometryChange(payloadOctets int) (completedImmediately bool, err error)

	// Close releases the backend's descriptor and any mapped memory.
	Close() error

	// AcquireWakeline raises the transport wakeline on behalf of user,
	// a no-op if that user already holds it. ReleaseWakeline drops
	// user's claim; the wakeline itself is only released once every
	// user has released it.
	AcquireWakeline(user WakelineUser)
	ReleaseWakeline(user WakelineUser)
}

// CustomMessenger is an optional Backend extension for backend-specific
// out-of-band messages. Backends that don't implement it silently ignore
// such messages.
type CustomMessenger interface {
	BackendMessage(msgType int, args ...any) error
}
