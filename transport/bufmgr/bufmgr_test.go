package bufmgr

import (
	"errors"
	"testing"
)

func TestDLAcquireReleaseBasic(t *testing.T) {
	d := NewDLManager(3, 324)
	d.Observe(0)
	if _, _, err := d.Acquire(); err != ErrNoData {
		t.Fatalf("Acquire on empty ring = %v, want ErrNoData", err)
	}
	d.Observe(1)
	slot, last, err := d.Acquire()
	if err != nil || slot != 0 {
		t.Fatalf("Acquire() = (%d, %v), want (0, nil)", slot, err)
	}
	if !last {
		t.Error("Acquire() of the only ready slot should report last=true")
	}
	if wasXRun, geomDone, err := d.Release(slot); wasXRun || geomDone || err != nil {
		t.Fatalf("Release() = (%v, %v, %v), want (false, false, nil)", wasXRun, geomDone, err)
	}
}

func TestDLAcquireLastFalseWhenMoreSlotsReady(t *testing.T) {
	d := NewDLManager(3, 324)
	d.Observe(0) // the first observation only sets the baseline
	d.Observe(2)
	_, last, err := d.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if last {
		t.Error("Acquire() with another slot still ready should report last=false")
	}
	_, last, err = d.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !last {
		t.Error("Acquire() of the second and final ready slot should report last=true")
	}
}

func TestDLOverrunFullRingBehind(t *testing.T) {
	d := NewDLManager(3, 324)
	d.Observe(0)
	slot, _, err := func() (int, bool, error) { d.Observe(1); return d.Acquire() }()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// Driver advances a full ring's worth without the app releasing slot 0.
	d.Observe(4)
	if _, _, err := d.Acquire(); err != ErrBrokenPipe {
		t.Fatalf("Acquire() after falling behind = %v, want ErrBrokenPipe", err)
	}
	wasXRun, _, err := d.Release(slot)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !wasXRun {
		t.Error("Release() on a slot the app fell behind on should report XRUN")
	}
}

func TestDLGeometryChangeDeferredUntilReleased(t *testing.T) {
	d := NewDLManager(3, 324)
	d.Observe(0)
	d.Observe(1)
	slot, _, err := d.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if d.BeginGeometryChange(644) {
		t.Fatal("BeginGeometryChange() completed immediately despite a locked slot")
	}
	if d.SlotSize() != 324 {
		t.Fatalf("SlotSize() = %d, want unchanged 324 until release", d.SlotSize())
	}
	_, geomDone, err := d.Release(slot)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !geomDone {
		t.Fatal("Release() of the last locked slot should complete the geometry change")
	}
	if d.SlotSize() != 644 {
		t.Fatalf("SlotSize() = %d, want 644 after geometry change completes", d.SlotSize())
	}
}

func TestDLGeometryChangeImmediateWhenNothingLocked(t *testing.T) {
	d := NewDLManager(3, 324)
	if !d.BeginGeometryChange(644) {
		t.Fatal("BeginGeometryChange() should complete immediately with no locked slots")
	}
	if d.SlotSize() != 644 {
		t.Fatalf("SlotSize() = %d, want 644", d.SlotSize())
	}
}

func TestDLAcquireBlockedWhileGeometryChangePending(t *testing.T) {
	d := NewDLManager(3, 324)
	d.Observe(0)
	d.Observe(2)
	slot, _, err := d.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if d.BeginGeometryChange(644) {
		t.Fatal("BeginGeometryChange() completed immediately despite a locked slot")
	}
	if _, _, err := d.Acquire(); err != ErrNoData {
		t.Fatalf("Acquire() during a pending geometry change = %v, want ErrNoData", err)
	}
	if _, geomDone, err := d.Release(slot); !geomDone || err != nil {
		t.Fatalf("Release() = (geomDone=%v, %v), want (true, nil)", geomDone, err)
	}
	if _, _, err := d.Acquire(); err != nil {
		t.Fatalf("Acquire() after the change completed = %v, want nil", err)
	}
}

func TestDLRollingPointerWrapsAtBoundary(t *testing.T) {
	d := NewDLManager(3, 324)
	d.SetBoundary(5)
	d.Observe(4)
	d.Observe(0) // hw wrapped past the boundary; one slot is ready
	slot, last, err := d.Acquire()
	if err != nil {
		t.Fatalf("Acquire() across the boundary = %v, want nil", err)
	}
	if slot != 4%3 {
		t.Fatalf("Acquire() slot = %d, want %d", slot, 4%3)
	}
	if !last {
		t.Error("Acquire() of the only ready slot should report last=true")
	}
	if _, _, err := d.Acquire(); err != ErrNoData {
		t.Fatalf("Acquire() once caught up = %v, want ErrNoData", err)
	}
}

func TestULRoundRobinAndNoBufs(t *testing.T) {
	u := NewULManager(2, 324)
	a, err := u.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b, err := u.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if a == b {
		t.Fatal("round-robin acquire returned the same slot twice")
	}
	if _, err := u.Acquire(); err != ErrNoBufs {
		t.Fatalf("Acquire() with both slots locked = %v, want ErrNoBufs", err)
	}
	u.Release(a, nil, false)
	if _, err := u.Acquire(); err != nil {
		t.Fatalf("Acquire() after release = %v, want nil", err)
	}
}

func TestULPauseAfterConsecutiveErrors(t *testing.T) {
	u := NewULManager(2, 324)
	var lastErr error
	for i := 0; i < MaxULErrorsPause; i++ {
		slot, _ := u.Acquire()
		lastErr = u.Release(slot, ErrTransportBusy, false)
	}
	if !errors.Is(lastErr, ErrTransportBusy) {
		t.Fatalf("last release error = %v, want ErrTransportBusy", lastErr)
	}
	if !u.Paused() {
		t.Fatal("uplink should be paused after MaxULErrorsPause consecutive errors")
	}
	slot, _ := u.Acquire()
	if err := u.Release(slot, nil, false); !errors.Is(err, ErrTransportBusy) {
		t.Fatalf("release while paused = %v, want ErrTransportBusy", err)
	}
	u.Resume()
	if u.Paused() {
		t.Fatal("Resume() should clear paused state")
	}
	slot, _ = u.Acquire()
	if err := u.Release(slot, nil, false); err != nil {
		t.Fatalf("release after Resume() = %v, want nil", err)
	}
}

func TestULPauseReturnsEIOWhenIOErrorsAccumulated(t *testing.T) {
	u := NewULManager(2, 324)
	for i := 0; i < MaxULErrorsPause-1; i++ {
		slot, _ := u.Acquire()
		u.Release(slot, ErrTransportBusy, false)
	}
	slot, _ := u.Acquire()
	err := u.Release(slot, ErrTransportBusy, true)
	if !errors.Is(err, ErrPausedIO) {
		t.Fatalf("release crossing pause threshold with io errors = %v, want ErrPausedIO", err)
	}
}

func TestULFatalTransportErrorPausesImmediately(t *testing.T) {
	u := NewULManager(2, 324)
	slot, _ := u.Acquire()
	err := u.Release(slot, errors.New("transport: some other failure"), false)
	if !errors.Is(err, ErrPausedInvalid) {
		t.Fatalf("release on fatal transport error = %v, want ErrPausedInvalid", err)
	}
	if !u.Paused() {
		t.Fatal("a fatal transport error should pause uplink immediately")
	}
}

func TestDLReleaseUnknownDescriptor(t *testing.T) {
	d := NewDLManager(3, 324)
	if _, _, err := d.Release(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Release() of a never-acquired slot = %v, want ErrNotFound", err)
	}
	if _, _, err := d.Release(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Release() of an out-of-range slot = %v, want ErrNotFound", err)
	}

	d.Observe(0)
	d.Observe(1)
	slot, _, err := d.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, _, err := d.Release(slot); err != nil {
		t.Fatalf("first Release() error = %v, want nil", err)
	}
	if _, _, err := d.Release(slot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double Release() = %v, want ErrNotFound", err)
	}
}

func TestULReleaseUnknownDescriptor(t *testing.T) {
	u := NewULManager(2, 324)
	if err := u.Release(0, nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Release() of a never-acquired slot = %v, want ErrNotFound", err)
	}
	if err := u.Release(5, nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Release() of an out-of-range slot = %v, want ErrNotFound", err)
	}

	slot, err := u.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := u.Release(slot, nil, false); err != nil {
		t.Fatalf("first Release() error = %v, want nil", err)
	}
	if err := u.Release(slot, nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double Release() = %v, want ErrNotFound", err)
	}
}
