// Package constants collects the protocol-fixed sizes and limits shared by
// the codec, state machine, and transport packages.
package constants

import "time"

// Slot geometry
const (
	// ULSlots is the number of uplink ring slots.
	ULSlots = 2
	// DLSlots is the number of downlink ring slots.
	DLSlots = 3

	// CtrlMsgLen is the fixed length, in octets, of a control message.
	CtrlMsgLen = 4
	// DataHeaderLen is the fixed length, in octets, of a data-frame header.
	DataHeaderLen = 4

	// SlotOctets8kHz is the slot size (header + payload) for 8kHz mono audio.
	SlotOctets8kHz = DataHeaderLen + 320
	// SlotOctets16kHz is the slot size (header + payload) for 16kHz mono audio.
	SlotOctets16kHz = DataHeaderLen + 640
)

// Event queue and error-recovery limits.
const (
	// EventBufferSize is the capacity, in events, of the decoded-event ring.
	EventBufferSize = 16

	// MaxULErrorsPause is the number of consecutive UL transport errors
	// after which uplink is paused until a DL frame is observed again.
	MaxULErrorsPause = 5
)

// Protocol versions negotiated via cmtspeech_set_wb_preference.
const (
	// ProtoVersionNB is the default: narrowband-only transfer.
	ProtoVersionNB = 1
	// ProtoVersionWB additionally permits wideband (16kHz) transfer.
	ProtoVersionWB = 2
)

// Transport device polling, grounded on the teacher's device-readiness
// wait loop (ehrlich-b/go-ublk opens its char device in a retry loop while
// udev creates the node); the modem character device is created by the
// same kind of kernel/udev race.
const (
	// DeviceOpenRetryInterval is the backoff between attempts to open the
	// modem character device while udev is still creating it.
	DeviceOpenRetryInterval = 10 * time.Millisecond

	// DeviceOpenRetryTimeout bounds the total time spent retrying.
	DeviceOpenRetryTimeout = 500 * time.Millisecond

	// DummyFrameInterval is the DL pacing period the emulation backend uses.
	DummyFrameInterval = 20 * time.Millisecond
)
