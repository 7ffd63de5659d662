package cmtspeech

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("DL_BUFFER_ACQUIRE", ErrCodeNoData, "no downlink slot available")
	assert.Equal(t, "DL_BUFFER_ACQUIRE", err.Op)
	assert.Equal(t, ErrCodeNoData, err.Code)
	assert.Equal(t, "cmtspeech: no downlink slot available (op=DL_BUFFER_ACQUIRE)", err.Error())
}

func TestWrapErrorMapsErrno(t *testing.T) {
	err := WrapError("UL_BUFFER_RELEASE", syscall.EBUSY)
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeBusy, err.Code)
	assert.ErrorIs(t, err, syscall.EBUSY)
}

func TestIsCode(t *testing.T) {
	err := NewError("OPEN", ErrCodeIO, "mmap failed")
	assert.True(t, IsCode(err, ErrCodeIO))
	assert.False(t, IsCode(err, ErrCodeInvalid))
	assert.False(t, IsCode(nil, ErrCodeIO))
}

func TestSentinelsMatchViaErrorsIs(t *testing.T) {
	err := NewError("DL_BUFFER_RELEASE", ErrCodeBrokenPipe, "overrun")
	assert.ErrorIs(t, err, ErrBrokenPipe)
	assert.NotErrorIs(t, err, ErrBusy)
}
