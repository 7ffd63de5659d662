package dummy

import (
	"testing"
	"time"

	"github.com/maemo-leste/libcmtspeechdata/codec"
	"github.com/stretchr/testify/require"
)

func TestConnectHandshake(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.WriteControl(codec.EncodeSSIConfigReq(codec.LayoutInorderLE, 1, true)))
	reply, err := b.ReadControl()
	require.NoError(t, err)
	require.Equal(t, codec.SSIConfigResp, codec.GetType(reply))
	_, result := codec.DecodeSSIConfigResp(reply)
	require.Equal(t, codec.SSIConfigSuccess, result)
}

func TestDLFramesGeneratedWhenActive(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Close()

	require.NoError(t, b.WriteControl(codec.EncodeSSIConfigReq(codec.LayoutInorderLE, 1, true)))
	ssiResp, err := b.ReadControl()
	require.NoError(t, err)
	require.Equal(t, codec.SSIConfigResp, codec.GetType(ssiResp))

	speechReq, err := b.ReadControl()
	require.NoError(t, err)
	require.Equal(t, codec.SpeechConfigReq, codec.GetType(speechReq))

	require.NoError(t, b.WriteControl(codec.EncodeSpeechConfigResp(0)))

	require.Eventually(t, func() bool {
		buf, err := b.DLBufferAcquire()
		return err == nil && buf != nil
	}, 2*time.Second, 10*time.Millisecond)
}
