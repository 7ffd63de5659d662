// Package bufmgr implements the slot acquire/release discipline shared by
// every transport.Backend: the downlink ring's rolling-pointer overrun
// detection and deferred geometry reconfiguration, and the uplink ring's
// round-robin allocation and error-driven pause policy. Both concrete
// backends (modem, dummy) embed one of each rather than re-deriving this
// bookkeeping, matching the reference implementation's single shared
// cmtspeech_*_buffer_* core reused by every backend variant.
package bufmgr

import (
	"errors"

	"github.com/maemo-leste/libcmtspeechdata/internal/constants"
)

// Status is the bit set over a slot's lifecycle flags, matching the
// reference descriptor's status field.
type Status uint8

const (
	// Locked marks a slot currently held by the application.
	Locked Status = 1 << iota
	// Invalid marks a slot whose geometry changed since acquisition; it
	// must be released before it (or any new slot) may be acquired again.
	Invalid
	// XRun marks a slot an overrun was detected against.
	XRun
	// Last marks the slot as the last one ready at acquisition time: the
	// application has now caught up with the driver's write pointer and
	// the next acquire will return ErrNoData until more DL data arrives.
	Last
)

// Sentinel errors, mapped by the façade onto cmtspeech.Error codes.
var (
	ErrNoBufs     = errors.New("bufmgr: no free buffer slot")
	ErrNoData     = errors.New("bufmgr: no downlink data ready")
	ErrBrokenPipe = errors.New("bufmgr: geometry changed since buffer was acquired")
	ErrTransportBusy = errors.New("bufmgr: transport busy, retry")
	ErrPausedIO      = errors.New("bufmgr: uplink paused, accumulated io errors")
	ErrPausedInvalid = errors.New("bufmgr: uplink paused after fatal transport error")
	ErrNotFound      = errors.New("bufmgr: no such locked buffer")
)

// MaxULErrorsPause is the number of consecutive UL errors after which
// uplink pauses until a DL frame is observed again.
const MaxULErrorsPause = constants.MaxULErrorsPause

// DLManager tracks the downlink ring's rolling application/hardware
// pointers, per-slot status, and any deferred geometry change. It assumes
// a single owning goroutine (or external mutex), matching the
// single-threaded cooperative ownership model.
type DLManager struct {
	slotCount int
	status    []Status

	rxPtrAppl uint32
	rxPtrHW   uint32
	boundary  uint32
	hwKnown   bool

	pending     bool
	outstanding int
	newSlotSize int
	slotSize    int
}

// NewDLManager returns a manager over slotCount downlink ring slots.
func NewDLManager(slotCount, initialSlotSize int) *DLManager {
	return &DLManager{slotCount: slotCount, status: make([]Status, slotCount), slotSize: initialSlotSize}
}

// SlotSize returns the currently configured DL slot size in octets.
func (d *DLManager) SlotSize() int { return d.slotSize }

// SetBoundary sets the rolling-pointer wrap boundary published by the
// driver. Zero (the default) means the pointer rolls over the full uint32
// range.
func (d *DLManager) SetBoundary(boundary uint32) { d.boundary = boundary }

// delay is the number of ready DL slots: rxPtrHW - rxPtrAppl modulo the
// rolling-pointer boundary.
func (d *DLManager) delay() uint32 {
	if d.boundary != 0 {
		return (d.rxPtrHW + d.boundary - d.rxPtrAppl) % d.boundary
	}
	return d.rxPtrHW - d.rxPtrAppl
}

// ptrDec decrements a rolling pointer by one, respecting the boundary.
func (d *DLManager) ptrDec(p uint32) uint32 {
	if d.boundary != 0 {
		return (p + d.boundary - 1) % d.boundary
	}
	return p - 1
}

// ptrInc advances a rolling pointer by one, respecting the boundary.
func (d *DLManager) ptrInc(p uint32) uint32 {
	p++
	if d.boundary != 0 {
		p %= d.boundary
	}
	return p
}

// Observe updates the manager's view of the driver's rolling write
// pointer, checking the three overrun cases against it. It returns
// the slot indices newly marked XRUN, if any. The first call adopts
// rxPtrHW as the application pointer as well, so frames written before
// it are not reported ready.
func (d *DLManager) Observe(rxPtrHW uint32) (xrun []int) {
	if !d.hwKnown {
		d.rxPtrAppl = rxPtrHW
		d.hwKnown = true
	}
	d.rxPtrHW = rxPtrHW

	delay := d.delay()
	if int(delay) >= d.slotCount {
		// (a) application fell behind by a full ring: every currently
		// locked slot has been overwritten.
		for i, st := range d.status {
			if st&Locked != 0 && st&XRun == 0 {
				d.status[i] |= XRun
				xrun = append(xrun, i)
			}
		}
		return xrun
	}

	// (b) the slot the driver is about to write next, and (c) the slot it
	// just wrote, must not still be LOCKED.
	next := int(d.rxPtrHW % uint32(d.slotCount))
	justWritten := int(d.ptrDec(d.rxPtrHW) % uint32(d.slotCount))
	for _, idx := range [2]int{next, justWritten} {
		if d.status[idx]&Locked != 0 && d.status[idx]&XRun == 0 {
			d.status[idx] |= XRun
			xrun = append(xrun, idx)
		}
	}
	return xrun
}

// Ready reports whether a downlink slot is available to acquire without
// resynchronizing.
func (d *DLManager) Ready() bool { return d.rxPtrAppl != d.rxPtrHW }

// Acquire claims the next downlink slot in ring order. It returns
// ErrNoData if the application is caught up with the driver, and
// ErrBrokenPipe (resynchronizing rxPtrAppl to rxPtrHW) if the application
// fell an entire ring behind. last reports whether this was the last
// slot ready at the time of acquisition (the LAST status bit).
func (d *DLManager) Acquire() (slot int, last bool, err error) {
	if d.pending {
		// No new slot may be handed out while a geometry change waits on
		// outstanding releases.
		return 0, false, ErrNoData
	}
	delay := d.delay()
	if int(delay) >= d.slotCount {
		d.rxPtrAppl = d.rxPtrHW
		return 0, false, ErrBrokenPipe
	}
	if delay == 0 {
		return 0, false, ErrNoData
	}
	idx := int(d.rxPtrAppl % uint32(d.slotCount))
	if d.status[idx]&Invalid != 0 {
		return idx, false, ErrBrokenPipe
	}
	d.rxPtrAppl = d.ptrInc(d.rxPtrAppl)
	last = d.rxPtrAppl == d.rxPtrHW
	st := Locked
	if last {
		st |= Last
	}
	d.status[idx] |= st
	return idx, last, nil
}

// Release returns slot to the ring. wasXRun reports whether the slot
// carried XRUN at release time (cleared either way); geometryComplete
// reports whether this release was the last outstanding lock blocking a
// deferred geometry change, in which case the caller must apply
// newSlotSize and send SPEECH_CONFIG_RESP. Release returns ErrNotFound if
// slot is out of range or not currently locked (a double release or a
// descriptor that never came from this manager's Acquire).
func (d *DLManager) Release(slot int) (wasXRun bool, geometryComplete bool, err error) {
	if slot < 0 || slot >= len(d.status) || d.status[slot]&Locked == 0 {
		return false, false, ErrNotFound
	}
	st := d.status[slot]
	wasXRun = st&XRun != 0
	d.status[slot] = 0
	if d.pending && st&Locked != 0 {
		d.outstanding--
		if d.outstanding <= 0 {
			d.slotSize = d.newSlotSize
			d.pending = false
			geometryComplete = true
		}
	}
	return wasXRun, geometryComplete, nil
}

// BeginGeometryChange marks every currently locked slot Invalid and
// records newSlotSize to apply once they have all been released. It
// returns true if the change could complete immediately because no slot
// was locked.
func (d *DLManager) BeginGeometryChange(newSlotSize int) (completedImmediately bool) {
	outstanding := 0
	for i, st := range d.status {
		if st&Locked != 0 {
			d.status[i] |= Invalid
			outstanding++
		}
	}
	if outstanding == 0 {
		d.slotSize = newSlotSize
		return true
	}
	d.pending = true
	d.outstanding = outstanding
	d.newSlotSize = newSlotSize
	return false
}

// LockedCount returns the number of currently locked slots.
func (d *DLManager) LockedCount() int {
	n := 0
	for _, st := range d.status {
		if st&Locked != 0 {
			n++
		}
	}
	return n
}

// ULManager tracks uplink slot locking (round-robin over a fixed slot
// count) and the consecutive-error pause policy.
type ULManager struct {
	locked            []bool
	next              int
	consecutiveErrors int
	paused            bool
	slotSize          int
}

// NewULManager returns a manager over slotCount uplink ring slots.
func NewULManager(slotCount, initialSlotSize int) *ULManager {
	return &ULManager{locked: make([]bool, slotCount), slotSize: initialSlotSize}
}

// SlotSize returns the currently configured UL slot size in octets.
func (u *ULManager) SlotSize() int { return u.slotSize }

// SetSlotSize applies a new UL slot size (geometry changes apply symmetrically to
// both rings; UL has no outstanding-lock gate since the application never
// holds a UL slot across frame boundaries).
func (u *ULManager) SetSlotSize(n int) { u.slotSize = n }

// Acquire returns the next free slot in round-robin order, or ErrNoBufs if
// every slot is currently locked.
func (u *ULManager) Acquire() (slot int, err error) {
	for i := 0; i < len(u.locked); i++ {
		idx := (u.next + i) % len(u.locked)
		if !u.locked[idx] {
			u.locked[idx] = true
			u.next = (idx + 1) % len(u.locked)
			return idx, nil
		}
	}
	return 0, ErrNoBufs
}

// Release unlocks slot and classifies transportErr (nil on a successful
// send) per the uplink error-mapping policy: EBUSY is transient and
// retried by the caller; MaxULErrorsPause consecutive non-success sends
// pause all uplink until Resume is called; once paused, every release
// keeps returning the paused error until then. ioErrorsAccumulated is the
// session's IOErrors>0 state, which only affects which error a paused
// release reports. Release returns ErrNotFound if slot is out of range or
// not currently locked, ahead of any pause-policy classification.
func (u *ULManager) Release(slot int, transportErr error, ioErrorsAccumulated bool) error {
	if slot < 0 || slot >= len(u.locked) || !u.locked[slot] {
		return ErrNotFound
	}
	u.locked[slot] = false

	if u.paused {
		if ioErrorsAccumulated {
			return ErrPausedIO
		}
		return ErrTransportBusy
	}

	if transportErr == nil {
		u.consecutiveErrors = 0
		return nil
	}

	if errors.Is(transportErr, ErrTransportBusy) {
		u.consecutiveErrors++
		if u.consecutiveErrors >= MaxULErrorsPause {
			u.paused = true
			if ioErrorsAccumulated {
				return ErrPausedIO
			}
		}
		return ErrTransportBusy
	}

	// Any other transport error is fatal: pause immediately.
	u.paused = true
	return ErrPausedInvalid
}

// Resume clears the paused state and error count; called once a DL frame
// confirms the link is alive again.
func (u *ULManager) Resume() {
	u.paused = false
	u.consecutiveErrors = 0
}

// Paused reports whether uplink is currently paused.
func (u *ULManager) Paused() bool { return u.paused }
