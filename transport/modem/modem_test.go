//go:build linux

package modem

import (
	"testing"
	"unsafe"

	"github.com/maemo-leste/libcmtspeechdata/transport"
)

// The ioctl request codes are pure bit-packing over (direction, type,
// number, size) and can be checked without an open device, the same way
// the teacher checks its uAPI struct sizes and bit helpers directly.
func TestIoctlEncoding(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		dir  uintptr // 0=none(IO), 0x80000000=read(IOR), 0x40000000=write(IOW), 0xC0000000=readwrite(IOWR)
		nr   uintptr
		size uintptr
	}{
		{"CS_GET_IF_VERSION", csGetIfVersion, 0x80000000, 1, 4},
		{"CS_CONFIG_BUFS", csConfigBufs, 0xC0000000, 2, unsafe.Sizeof(driverBufConfig{})},
		{"CS_SET_WAKELINE", csSetWakeline, 0x40000000, 3, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.dir | (tt.size << 16) | (uintptr(csIoctlMagic) << 8) | tt.nr
			if tt.got != want {
				t.Errorf("%s = 0x%x, want 0x%x", tt.name, tt.got, want)
			}
		})
	}
}

func TestDriverBufConfigSize(t *testing.T) {
	if got := unsafe.Sizeof(driverBufConfig{}); got != 16 {
		t.Errorf("sizeof(driverBufConfig) = %d, want 16", got)
	}
}

func TestMmapConfigBlockOffsets(t *testing.T) {
	var blk mmapConfigBlock
	wantRxPtr := unsafe.Sizeof(blk.BufSize) + unsafe.Sizeof(blk.RxBufs) + unsafe.Sizeof(blk.TxBufs) +
		unsafe.Sizeof(blk.RxOffsets) + unsafe.Sizeof(blk.TxOffsets)
	if got := unsafe.Offsetof(blk.RxPtr); got != wantRxPtr {
		t.Errorf("offsetof(RxPtr) = %d, want %d (after the geometry header and offset tables)", got, wantRxPtr)
	}
	if got := unsafe.Offsetof(blk.TstampRxCtrlSec); got != wantRxPtr+8 {
		t.Errorf("offsetof(TstampRxCtrlSec) = %d, want %d (after RxPtr+RxPtrBoundary)", got, wantRxPtr+8)
	}
}

func TestWakelineBitmaskUsersAreDistinctBits(t *testing.T) {
	users := []transport.WakelineUser{transport.WakelineCall, wakelineReset, wakelineTestRampPing}
	var seen transport.WakelineUser
	for _, u := range users {
		if seen&u != 0 {
			t.Fatalf("wakeline user bits overlap: %v", users)
		}
		seen |= u
	}
}
