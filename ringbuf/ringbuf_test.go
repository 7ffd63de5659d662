package ringbuf

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestEmptyRing(t *testing.T) {
	r := New(8)
	assert.Equal(t, 0, r.AvailForRead())
	assert.Equal(t, 7, r.AvailForWrite())
}

func TestConservationInvariant(t *testing.T) {
	f := func(size uint8, moves []uint8) bool {
		if size < 2 {
			size = 2
		}
		r := New(int(size))
		for _, m := range moves {
			n := int(m) % (r.AvailForWrite() + 1)
			if n > 0 && n <= r.AvailForWrite() {
				r.MoveWrite(n)
			}
			n = int(m) % (r.AvailForRead() + 1)
			if n > 0 && n <= r.AvailForRead() {
				r.MoveRead(n)
			}
			if r.AvailForRead()+r.AvailForWrite()+1 != r.Size() {
				return false
			}
			if r.ContiguousAvailForRead() > r.AvailForRead() {
				return false
			}
			if r.ContiguousAvailForWrite() > r.AvailForWrite() {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := New(8)
	r.Write([]byte{1, 2, 3})
	assert.Equal(t, 3, r.AvailForRead())
	got := r.Read(3)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.Equal(t, 0, r.AvailForRead())
}

func TestWrapAround(t *testing.T) {
	r := New(4)
	r.Write([]byte{1, 2, 3})
	r.Read(3)
	r.Write([]byte{4, 5, 6})
	assert.Equal(t, []byte{4, 5, 6}, r.Read(3))
}

func TestResetClearsPositions(t *testing.T) {
	r := New(8)
	r.Write([]byte{1, 2, 3})
	r.Reset()
	assert.Equal(t, 0, r.AvailForRead())
	assert.Equal(t, 7, r.AvailForWrite())
}
