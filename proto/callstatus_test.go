package proto

import (
	"testing"

	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/stretchr/testify/require"
)

func TestCallStatusActiveSendsConnect(t *testing.T) {
	m := New()
	w := &recordingWriter{}
	require.NoError(t, m.StateChangeCallStatus(w, true))
	require.Len(t, w.sent, 1)
	require.Equal(t, codec.SSIConfigReq, codec.GetType(w.sent[0]))
	require.Equal(t, tConnecting, m.T)
}

func TestCallStatusDefersWhenTransactionInFlight(t *testing.T) {
	m := New()
	w := &recordingWriter{}
	require.NoError(t, m.StateChangeCallStatus(w, true))
	require.Equal(t, tConnecting, m.T)

	// Call drops before the SSI_CONFIG_RESP arrives.
	require.NoError(t, m.StateChangeCallStatus(w, false))
	require.Equal(t, tSSIConfigPend, m.T)
	require.Len(t, w.sent, 1, "no second request should be sent while one is in flight")

	resp := codec.EncodeSSIConfigResp(codec.LayoutInorderLE, codec.SSIConfigSuccess)
	_, err := m.HandleCommand(w, resp)
	require.NoError(t, err)
	require.Equal(t, Connected, m.S)
	require.Equal(t, tDisconnecting, m.T)
	require.Len(t, w.sent, 2)
	require.Equal(t, codec.SSIConfigReq, codec.GetType(w.sent[1]))
}

func TestCallStatusNoOpWhenUnchanged(t *testing.T) {
	m := New()
	w := &recordingWriter{}
	require.NoError(t, m.StateChangeCallStatus(w, false))
	require.Empty(t, w.sent)
}

func TestCallStatusFromInvalidResetsBeforeConnect(t *testing.T) {
	m := New()
	m.S = Invalid
	w := &recordingWriter{}

	require.NoError(t, m.StateChangeCallStatus(w, true))
	require.Len(t, w.sent, 1)
	require.Equal(t, codec.ResetConnReq, codec.GetType(w.sent[0]))
	require.Equal(t, tResetBeforeConnect, m.T)

	// Once the reset settles, the deferred connect goes out on its own.
	_, err := m.HandleCommand(w, codec.EncodeResetConnResp())
	require.NoError(t, err)
	require.Len(t, w.sent, 2)
	require.Equal(t, codec.SSIConfigReq, codec.GetType(w.sent[1]))
	require.Equal(t, tConnecting, m.T)
	require.True(t, m.CallServerActive)
}

func TestCallStatusCrashRecoveryWhileActiveWithIOErrors(t *testing.T) {
	m := New()
	w := &recordingWriter{}
	connect(t, m, w)
	m.S = ActiveDL
	m.IOErrors = 2
	m.CallServerActive = false

	require.NoError(t, m.StateChangeCallStatus(w, true))
	require.Equal(t, codec.SSIConfigReq, codec.GetType(w.sent[len(w.sent)-1]))
	require.Equal(t, tConnecting, m.T)
}

func TestCallStatusInactiveDuringDeactPendRecordsIOErrorAndWaits(t *testing.T) {
	m := New()
	w := &recordingWriter{}
	connect(t, m, w)
	m.CallServerActive = true
	m.T = tConfigDeactPend

	sent := len(w.sent)
	require.NoError(t, m.StateChangeCallStatus(w, false))
	require.Len(t, w.sent, sent, "no request may go out while a SPEECH_CONFIG_RESP is owed")
	require.Equal(t, 1, m.IOErrors)
	require.Equal(t, tConfigDeactPend, m.T)
}

func TestCallStatusInactiveWhileActiveTakesNoAction(t *testing.T) {
	m := New()
	w := &recordingWriter{}
	connect(t, m, w)
	m.S = ActiveDLUL
	m.CallServerActive = true

	sent := len(w.sent)
	require.NoError(t, m.StateChangeCallStatus(w, false))
	require.Len(t, w.sent, sent, "the modem tears the stream down itself via SPEECH_CONFIG_REQ")
}
