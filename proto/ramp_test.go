package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestDataRampReqRequiresDisconnected(t *testing.T) {
	m := New()
	require.NoError(t, m.TestDataRampReq())
	require.Equal(t, TestPing, m.S)

	m2 := New()
	m2.S = Connected
	require.Error(t, m2.TestDataRampReq())
}

func TestTestSequenceReceivedReturnsToDisconnected(t *testing.T) {
	m := New()
	require.NoError(t, m.TestDataRampReq())
	m.TestSequenceReceived()
	require.Equal(t, Disconnected, m.S)
}
