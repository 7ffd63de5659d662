//go:build linux

// Package modem implements the real transport.Backend: it talks to the
// cellular modem through the /dev/cmt_speech character device using the
// ioctl/mmap control-plane and a shared-memory data plane, the way the
// reference Nokia modem backend does.
package modem

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/maemo-leste/libcmtspeechdata/internal/constants"
	"github.com/maemo-leste/libcmtspeechdata/internal/trace"
	"github.com/maemo-leste/libcmtspeechdata/transport"
	"github.com/maemo-leste/libcmtspeechdata/transport/bufmgr"
)

// Offsets of the fields the library reads live out of the mmap'd region
// on every poll, rather than from the config snapshot taken at Open: the
// driver's rolling DL write pointer and the receive-control timestamp.
var (
	rxPtrOffset      = unsafe.Offsetof(mmapConfigBlock{}.RxPtr)
	tstampSecOffset  = unsafe.Offsetof(mmapConfigBlock{}.TstampRxCtrlSec)
	tstampNsecOffset = unsafe.Offsetof(mmapConfigBlock{}.TstampRxCtrlNsec)
)

// Driver ioctl numbers, matching the cs-protocol.h kernel interface
// shipped alongside the cmt_speech driver (not part of this module's
// source tree; magic 'C', sequence per the reference header).
const csIoctlMagic = 'C'

var (
	csGetIfVersion = ioctlIOR(csIoctlMagic, 1, 4)
	csConfigBufs   = ioctlIOWR(csIoctlMagic, 2, unsafe.Sizeof(driverBufConfig{}))
	csSetWakeline  = ioctlIOW(csIoctlMagic, 3, 4)
)

func ioctlIO(t, nr uintptr) uintptr              { return (t << 8) | nr }
func ioctlIOR(t, nr, size uintptr) uintptr       { return 0x80000000 | (size << 16) | ioctlIO(t, nr) }
func ioctlIOW(t, nr, size uintptr) uintptr       { return 0x40000000 | (size << 16) | ioctlIO(t, nr) }
func ioctlIOWR(t, nr, size uintptr) uintptr      { return 0xC0000000 | (size << 16) | ioctlIO(t, nr) }

// driverBufConfig mirrors struct cs_buffer_config from cs-protocol.h: the
// slot geometry the library requests via CS_CONFIG_BUFS.
type driverBufConfig struct {
	RxBufs    uint32
	TxBufs    uint32
	BufSize   uint32
	FlagsMask uint32
}

// Driver feature flags requested alongside the geometry: the shared-block
// receive-control timestamp and the rolling (rather than slot-index) RX
// write pointer.
const (
	csFeatTstampRxCtrl     = 1 << 0
	csFeatRollingRxCounter = 1 << 1
	csFeatures             = csFeatTstampRxCtrl | csFeatRollingRxCounter
)

// mmapRegionSize is the size of the driver's shared mapping: one page
// holding the config block followed by the UL and DL slots.
const mmapRegionSize = 4096

// mmapConfigBlock mirrors struct cs_mmap_config_block: the layout the
// kernel driver exposes at the start of the mmap'd region. Offsets are
// measured from the start of the mapping.
type mmapConfigBlock struct {
	BufSize          uint32
	RxBufs           uint32
	TxBufs           uint32
	RxOffsets        [constants.DLSlots]uint32
	TxOffsets        [constants.ULSlots]uint32
	RxPtr            uint32
	RxPtrBoundary    uint32
	TstampRxCtrlSec  uint32
	TstampRxCtrlNsec uint32
}

const vdd2LockPath = "/sys/power/vdd2_lock"

const (
	vdd2LockToOPP3 = 3
	vdd2Unlock     = 0
)

// PowerLock keeps a power domain up while the wakeline is raised, so the
// SSI bus clock stays available for the modem to signal us. It is a
// separate seam from the wakeline ioctl so tests can stub the sysfs side
// effect.
type PowerLock interface {
	Set(locked bool)
}

// vdd2SysfsLock is the default PowerLock, writing the N900's VDD2
// operating-point lock. Absence of the sysfs node (running on other
// hardware) is not an error.
type vdd2SysfsLock struct{}

func (vdd2SysfsLock) Set(locked bool) {
	f, err := os.OpenFile(vdd2LockPath, os.O_WRONLY, 0)
	if err != nil {
		trace.IOf("unable to open %s: %v", vdd2LockPath, err)
		return
	}
	defer f.Close()
	value := vdd2Unlock
	if locked {
		value = vdd2LockToOPP3
	}
	if _, err := fmt.Fprintf(f, "%d", value); err != nil {
		trace.IOf("writing VDD2 lock state failed: %v", err)
	}
}

// wakeline users, matching the reference WAKELINE_* bitmask.
const (
	wakelineReset        = transport.WakelineReset
	wakelineTestRampPing = transport.WakelineTestPing
)

// Backend is the real modem transport: an open character-device fd, an
// mmap'd shared buffer region, and the wakeline/VDD2 power-lock dance the
// driver requires around it.
type Backend struct {
	mu sync.Mutex

	fd       int
	mmapBuf  []byte
	cfg      mmapConfigBlock
	wakeline transport.WakelineUser

	dl          *bufmgr.DLManager
	ul          *bufmgr.ULManager
	xrunPending bool

	power PowerLock
}

// SetPowerLock replaces the VDD2 sysfs power lock with a custom
// implementation. Intended for tests; call before any wakeline activity.
func (b *Backend) SetPowerLock(p PowerLock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == nil {
		p = vdd2SysfsLock{}
	}
	b.power = p
}

// Open opens path (normally /dev/cmt_speech), retrying briefly if the
// driver node is not yet present, and negotiates buffer geometry with the
// kernel.
func Open(path string) (*Backend, error) {
	var fd int
	var err error
	deadline := time.Now().Add(constants.DeviceOpenRetryTimeout)
	for {
		fd, err = unix.Open(path, unix.O_RDWR, 0)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("modem: open %s: %w", path, err)
		}
		time.Sleep(constants.DeviceOpenRetryInterval)
	}

	b := &Backend{fd: fd, power: vdd2SysfsLock{}}
	if err := b.negotiateBuffers(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return b, nil
}

func (b *Backend) negotiateBuffers() error {
	var ifVersion uint32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), csGetIfVersion, uintptr(unsafe.Pointer(&ifVersion))); errno != 0 {
		return fmt.Errorf("modem: CS_GET_IF_VERSION: %w", errno)
	}
	trace.Infof("driver interface version %d", ifVersion)

	drvcfg := driverBufConfig{
		RxBufs:    constants.DLSlots,
		TxBufs:    constants.ULSlots,
		BufSize:   constants.SlotOctets16kHz,
		FlagsMask: csFeatures,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), csConfigBufs, uintptr(unsafe.Pointer(&drvcfg))); errno != 0 {
		return fmt.Errorf("modem: CS_CONFIG_BUFS: %w", errno)
	}

	buf, err := unix.Mmap(b.fd, 0, mmapRegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("modem: mmap: %w", err)
	}
	b.mmapBuf = buf
	b.cfg = *(*mmapConfigBlock)(unsafe.Pointer(&buf[0]))
	b.dl = bufmgr.NewDLManager(constants.DLSlots, constants.SlotOctets16kHz)
	b.dl.SetBoundary(b.cfg.RxPtrBoundary)
	b.ul = bufmgr.NewULManager(constants.ULSlots, constants.SlotOctets16kHz)
	return nil
}

// liveRxPtr reads the driver's current DL write pointer directly out of
// the mmap'd region with an atomic load; unlike cfg, it is not a
// point-in-time snapshot.
func (b *Backend) liveRxPtr() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mmapBuf[rxPtrOffset])))
}

// RxCtrlTimestamp reads the driver's receive-control timestamp live out
// of the shared block: the monotonic time the most recent control message
// arrived on the SSI link.
func (b *Backend) RxCtrlTimestamp() (sec uint32, nsec uint32) {
	sec = *(*uint32)(unsafe.Pointer(&b.mmapBuf[tstampSecOffset]))
	nsec = *(*uint32)(unsafe.Pointer(&b.mmapBuf[tstampNsecOffset]))
	return sec, nsec
}

func (b *Backend) Name() string { return "cmtspeech_nokiamodem" }

func (b *Backend) Descriptor() int { return b.fd }

// WriteControl writes a raw control message, first raising the wakeline
// for RESET_CONN_REQ and TEST_RAMP_PING, matching the reference backend's
// per-message-type wakeline policy. It does not drop the wakeline; the
// Session releases those users once the reset or ramp completes.
func (b *Backend) WriteControl(msg [4]byte) error {
	switch codec.GetType(msg) {
	case codec.ResetConnReq:
		b.AcquireWakeline(wakelineReset)
	case codec.TestRampPing:
		b.AcquireWakeline(wakelineTestRampPing)
	}
	n, err := unix.Write(b.fd, msg[:])
	if err != nil {
		return fmt.Errorf("modem: write: %w", err)
	}
	if n != len(msg) {
		return fmt.Errorf("modem: short write (%d of %d)", n, len(msg))
	}
	return nil
}

// ReadControl reads the next 4-octet header from the device.
func (b *Backend) ReadControl() ([4]byte, error) {
	var msg [4]byte
	n, err := unix.Read(b.fd, msg[:])
	if err != nil {
		return msg, fmt.Errorf("modem: read: %w", err)
	}
	if n != len(msg) {
		return msg, fmt.Errorf("modem: short read (%d of %d)", n, len(msg))
	}
	return msg, nil
}

// AcquireWakeline raises the transport wakeline on behalf of user,
// toggling the driver ioctl and the VDD2 power lock only on the
// zero-to-nonzero edge of the use-bit bitmap.
func (b *Backend) AcquireWakeline(user transport.WakelineUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wakeline == 0 {
		status := uint32(1)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), csSetWakeline, uintptr(unsafe.Pointer(&status))); errno != 0 {
			trace.IOf("CS_SET_WAKELINE(1) failed: %v", errno)
		}
		b.power.Set(true)
	}
	b.wakeline |= user
}

// ReleaseWakeline drops user's claim on the wakeline, releasing it (and
// the VDD2 lock) only once no user remains.
func (b *Backend) ReleaseWakeline(user transport.WakelineUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wakeline == 0 {
		return
	}
	b.wakeline &^= user
	if b.wakeline == 0 {
		status := uint32(0)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), csSetWakeline, uintptr(unsafe.Pointer(&status))); errno != 0 {
			trace.IOf("CS_SET_WAKELINE(0) failed: %v", errno)
		}
		b.power.Set(false)
	}
}


func (b *Backend) ULBufferAcquire() (*transport.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.ul.Acquire()
	if err != nil {
		return nil, err
	}
	off := b.cfg.TxOffsets[idx]
	return &transport.Buffer{
		Index:  idx,
		Data:   b.mmapBuf[off : int(off)+b.ul.SlotSize()],
		Status: bufmgr.Locked,
	}, nil
}

// ULBufferRelease rings the driver's UL_DATA_READY doorbell for the slot
// the application just filled, then unlocks it through the uplink error
// classification: an EAGAIN/EBUSY write is transient and retried by the
// application, anything else pauses uplink.
func (b *Backend) ULBufferRelease(buf *transport.Buffer, ioErrorsAccumulated bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sendErr error
	msg := codec.EncodeULDataReady(uint8(buf.Index))
	if _, err := unix.Write(b.fd, msg[:]); err != nil {
		if err == unix.EAGAIN || err == unix.EBUSY {
			sendErr = bufmgr.ErrTransportBusy
		} else {
			sendErr = err
		}
		trace.IOf("UL_DATA_READY write failed: %v", err)
	}
	return b.ul.Release(buf.Index, sendErr, ioErrorsAccumulated)
}

func (b *Backend) DLBufferAcquire() (*transport.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if x := b.dl.Observe(b.liveRxPtr()); len(x) > 0 {
		b.xrunPending = true
	}
	idx, last, err := b.dl.Acquire()
	if err != nil {
		return nil, err
	}
	// Seeing DL traffic proves the link is alive again; lift any uplink
	// pause left over from a run of failed sends.
	b.ul.Resume()
	off := b.cfg.RxOffsets[idx]
	slot := b.mmapBuf[off : int(off)+b.dl.SlotSize()]
	fields := codec.DecodeDLDataHeader([4]byte(slot[:4]))
	status := bufmgr.Locked
	if last {
		status |= bufmgr.Last
	}
	return &transport.Buffer{Index: idx, Data: slot, SampleRate: fields.SampleRate, Status: status}, nil
}

func (b *Backend) DLBufferRelease(buf *transport.Buffer) (bool, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasXRun, geometryComplete, err := b.dl.Release(buf.Index)
	if geometryComplete {
		b.reconfigureDriver(b.dl.SlotSize())
	}
	return wasXRun, geometryComplete, err
}

// reconfigureDriver reissues CS_CONFIG_BUFS so the driver repartitions the
// shared region for slotSize, then re-snapshots the slot offsets it
// published. Caller holds b.mu.
func (b *Backend) reconfigureDriver(slotSize int) {
	cfg := driverBufConfig{
		RxBufs:    constants.DLSlots,
		TxBufs:    constants.ULSlots,
		BufSize:   uint32(slotSize),
		FlagsMask: csFeatures,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), csConfigBufs, uintptr(unsafe.Pointer(&cfg))); errno != 0 {
		trace.IOf("CS_CONFIG_BUFS reconfigure failed: %v", errno)
		return
	}
	b.cfg = *(*mmapConfigBlock)(unsafe.Pointer(&b.mmapBuf[0]))
	b.dl.SetBoundary(b.cfg.RxPtrBoundary)
}

// DLReady reports whether a downlink slot is available without blocking,
// resynchronizing against the driver's live write pointer first. The xrun
// indication is cleared once reported.
func (b *Backend) DLReady() (ready bool, xrun bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if x := b.dl.Observe(b.liveRxPtr()); len(x) > 0 {
		b.xrunPending = true
	}
	xrun = b.xrunPending
	b.xrunPending = false
	return b.dl.Ready(), xrun
}

// BeginGeometryChange reconfigures DL/UL slot size for payloadOctets. If
// no DL slot is currently held by the application the driver is
// repartitioned immediately; otherwise the CS_CONFIG_BUFS reissue happens
// on the release of the last held slot.
func (b *Backend) BeginGeometryChange(payloadOctets int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := payloadOctets + constants.DataHeaderLen
	b.ul.SetSlotSize(size)
	completed := b.dl.BeginGeometryChange(size)
	if completed {
		b.reconfigureDriver(size)
	}
	return completed, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wakeline != 0 {
		status := uint32(0)
		unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), csSetWakeline, uintptr(unsafe.Pointer(&status)))
		b.power.Set(false)
		b.wakeline = 0
	}
	if b.mmapBuf != nil {
		unix.Munmap(b.mmapBuf)
		b.mmapBuf = nil
	}
	return unix.Close(b.fd)
}

var _ transport.Backend = (*Backend)(nil)
