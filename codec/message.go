// Package codec implements the CMT Speech Data wire format: fixed 4-octet
// control messages and 4-octet data-frame headers. Every function here is a
// pure, side-effect-free transform between logical fields and a byte array;
// none allocates.
//
// Field placement follows the logical byte numbering of the original
// protocol (byte 0 holds the type/domain nibbles). The reference
// implementation additionally supports a build-time choice of physical wire
// byte order that reorders these four octets before they reach the
// transport; both orderings carry the identical logical layout implemented
// here, so only one codec is needed.
package codec

// MessageType identifies a control message's 4-bit type field.
type MessageType uint8

const (
	ResetConnReq        MessageType = 0x00
	ResetConnResp        MessageType = 0x01
	SSIConfigReq         MessageType = 0x02
	SpeechConfigReq      MessageType = 0x03
	TimingConfigNTF      MessageType = 0x04
	NewTimingConfigReq   MessageType = 0x05
	SSIConfigResp        MessageType = 0x06
	SpeechConfigResp     MessageType = 0x07
	UplinkConfigNTF      MessageType = 0x08
	TestRampPing         MessageType = 0x0c
)

// Internal-domain message types, exchanged with the local driver rather
// than the peer: the uplink doorbell, the downlink-arrival wakeup, and
// the driver's notification that the peer side went away.
const (
	InternalULDataReady    MessageType = 0x01
	InternalRXDataReceived MessageType = 0x02
	InternalPeerReset      MessageType = 0x03
)

// Domain identifies a control message's 4-bit domain field.
type Domain uint8

const (
	DomainInternal Domain = 0x00
	DomainControl  Domain = 0x01
	DomainData     Domain = 0x02
)

// SampleLayout values negotiated in SSI_CONFIG_REQ/RESP.
type SampleLayout uint8

const (
	LayoutNoPref    SampleLayout = 0x00
	LayoutSwappedLE SampleLayout = 0x01
	LayoutInorderLE SampleLayout = 0x02
)

// CodecInfo identifies the active speech codec (deprecated field, carried
// for wire compatibility).
type CodecInfo uint8

const (
	CodecNone   CodecInfo = 0
	CodecGSMFR  CodecInfo = 1
	CodecGSMEFR CodecInfo = 2
	CodecAMRNB  CodecInfo = 3
	CodecGSMHR  CodecInfo = 6
	CodecAMRWB  CodecInfo = 11
)

// CellularInfo identifies the active radio access technology (deprecated
// field, carried for wire compatibility).
type CellularInfo uint8

const (
	CellularNone  CellularInfo = 0x00
	CellularGSM   CellularInfo = 0x01
	CellularWCDMA CellularInfo = 0x02
)

// SampleRate values shared by control messages and data-frame headers.
type SampleRate uint8

const (
	SampleRateNone  SampleRate = 0x00
	SampleRate8kHz  SampleRate = 0x01
	SampleRate16kHz SampleRate = 0x02
)

// DataFormat identifies the PCM encoding used on the link.
type DataFormat uint8

const (
	DataFormatNone      DataFormat = 0x00
	DataFormatS16LinPCM DataFormat = 0x01
)

// DataLength identifies a data frame's duration.
type DataLength uint8

const (
	DataLengthNone DataLength = 0x00
	DataLength10ms DataLength = 0x01
	DataLength20ms DataLength = 0x02
)

// DataType identifies a data frame's validity.
type DataType uint8

const (
	DataTypeZero    DataType = 0x00
	DataTypeInvalid DataType = 0x01
	DataTypeValid   DataType = 0x02
)

// SSIConfigResult is the result code carried by SSI_CONFIG_RESP.
type SSIConfigResult uint8

const (
	SSIConfigSuccess          SSIConfigResult = 0x00
	SSIConfigGeneralError     SSIConfigResult = 0x01
	SSIConfigUnsupportedProto SSIConfigResult = 0x02
)

// GetType extracts the message type from a raw 4-octet control message
// (the high nibble of logical byte 0).
func GetType(buf [4]byte) MessageType {
	return MessageType(buf[0] >> 4)
}

// GetDomain extracts the domain from a raw 4-octet control message (the
// low nibble of logical byte 0).
func GetDomain(buf [4]byte) Domain {
	return Domain(buf[0] & 0xf)
}

func header(t MessageType, d Domain) [4]byte {
	var buf [4]byte
	buf[0] = byte(t)<<4 | byte(d)
	return buf
}

// EncodeResetConnReq encodes a zero-payload RESET_CONN_REQ.
func EncodeResetConnReq() [4]byte { return header(ResetConnReq, DomainControl) }

// EncodeResetConnResp encodes a zero-payload RESET_CONN_RESP.
func EncodeResetConnResp() [4]byte { return header(ResetConnResp, DomainControl) }

// EncodeNewTimingConfigReq encodes a zero-payload NEW_TIMING_CONFIG_REQ.
func EncodeNewTimingConfigReq() [4]byte { return header(NewTimingConfigReq, DomainControl) }

// EncodeUplinkConfigNTF encodes a zero-payload UPLINK_CONFIG_NTF.
func EncodeUplinkConfigNTF() [4]byte { return header(UplinkConfigNTF, DomainControl) }

// EncodeSSIConfigReq encodes an SSI_CONFIG_REQ requesting session
// state (enabled/disabled) with the given advertised layout and protocol
// version.
func EncodeSSIConfigReq(layout SampleLayout, version uint8, state bool) [4]byte {
	buf := header(SSIConfigReq, DomainControl)
	buf[2] = byte(layout) & 0x7
	var s byte
	if state {
		s = 1
	}
	buf[3] = (version&0xf)<<1 | s
	return buf
}

// DecodeSSIConfigReq decodes an SSI_CONFIG_REQ message.
func DecodeSSIConfigReq(buf [4]byte) (layout SampleLayout, version uint8, state bool) {
	layout = SampleLayout(buf[2] & 0x7)
	version = (buf[3] >> 1) & 0xf
	state = buf[3]&0x1 != 0
	return
}

// EncodeSSIConfigResp encodes an SSI_CONFIG_RESP.
func EncodeSSIConfigResp(layout SampleLayout, result SSIConfigResult) [4]byte {
	buf := header(SSIConfigResp, DomainControl)
	buf[2] = byte(layout) & 0x7
	buf[3] = byte(result) & 0x3
	return buf
}

// DecodeSSIConfigResp decodes an SSI_CONFIG_RESP.
func DecodeSSIConfigResp(buf [4]byte) (layout SampleLayout, result SSIConfigResult) {
	layout = SampleLayout(buf[2] & 0x7)
	result = SSIConfigResult(buf[3] & 0x3)
	return
}

// SpeechConfigReqFields is the decoded payload of a SPEECH_CONFIG_REQ.
type SpeechConfigReqFields struct {
	SpeechDataStream     bool
	CallUserConnectInd   bool
	CodecInfo            CodecInfo
	CellularInfo         CellularInfo
	SampleRate           SampleRate
	DataFormat           DataFormat
}

// EncodeSpeechConfigReq encodes a SPEECH_CONFIG_REQ.
func EncodeSpeechConfigReq(f SpeechConfigReqFields) [4]byte {
	buf := header(SpeechConfigReq, DomainControl)
	var sds, cuci byte
	if f.SpeechDataStream {
		sds = 1
	}
	if f.CallUserConnectInd {
		cuci = 1
	}
	codec := byte(f.CodecInfo) & 0xf
	buf[2] = sds<<3 | cuci<<2 | codec>>2
	buf[3] = (codec&0x3)<<6 | (byte(f.CellularInfo)&0x3)<<4 | (byte(f.SampleRate)&0x3)<<2 | byte(f.DataFormat)&0x3
	return buf
}

// DecodeSpeechConfigReq decodes a SPEECH_CONFIG_REQ.
func DecodeSpeechConfigReq(buf [4]byte) SpeechConfigReqFields {
	codec := ((buf[2] << 2) | (buf[3] >> 6)) & 0xf
	return SpeechConfigReqFields{
		SpeechDataStream:   (buf[2]>>3)&0x1 != 0,
		CallUserConnectInd: (buf[2]>>2)&0x1 != 0,
		CodecInfo:          CodecInfo(codec),
		CellularInfo:       CellularInfo((buf[3] >> 4) & 0x3),
		SampleRate:         SampleRate((buf[3] >> 2) & 0x3),
		DataFormat:         DataFormat(buf[3] & 0x3),
	}
}

// EncodeSpeechConfigResp encodes a SPEECH_CONFIG_RESP. result is written
// unmasked, matching the reference encoder; decode masks to one bit.
func EncodeSpeechConfigResp(result uint8) [4]byte {
	buf := header(SpeechConfigResp, DomainControl)
	buf[3] = result
	return buf
}

// DecodeSpeechConfigResp decodes a SPEECH_CONFIG_RESP.
func DecodeSpeechConfigResp(buf [4]byte) (result uint8) {
	return buf[3] & 0x1
}

// EncodeTimingConfigNTF encodes a TIMING_CONFIG_NTF. msec is a 9-bit field,
// usec a 10-bit field.
func EncodeTimingConfigNTF(msec, usec uint16) [4]byte {
	buf := header(TimingConfigNTF, DomainControl)
	buf[1] = byte((msec & 0x1ff) >> 6)
	buf[2] = byte((msec&0x1ff)<<2) | byte((usec&0x3ff)>>8)
	buf[3] = byte(usec & 0xff)
	return buf
}

// DecodeTimingConfigNTF decodes a TIMING_CONFIG_NTF.
func DecodeTimingConfigNTF(buf [4]byte) (msec, usec uint16) {
	msec = uint16(buf[1]&0x7)<<6 | uint16(buf[2]>>2)
	usec = uint16(buf[2]&0x3)<<8 | uint16(buf[3])
	return
}

// EncodeULDataReady encodes the internal UL_DATA_READY doorbell telling
// the driver that uplink slot holds a frame ready for transmission.
func EncodeULDataReady(slot uint8) [4]byte {
	buf := header(InternalULDataReady, DomainInternal)
	buf[3] = slot
	return buf
}

// DecodeULDataReady decodes an internal UL_DATA_READY doorbell.
func DecodeULDataReady(buf [4]byte) (slot uint8) { return buf[3] }

// EncodeRXDataReceived encodes the internal RX_DATA_RECEIVED wakeup the
// driver raises after writing a downlink frame; frame carries the low
// octet of the driver's rolling write pointer.
func EncodeRXDataReceived(frame uint8) [4]byte {
	buf := header(InternalRXDataReceived, DomainInternal)
	buf[3] = frame
	return buf
}

// DecodeRXDataReceived decodes an internal RX_DATA_RECEIVED wakeup.
func DecodeRXDataReceived(buf [4]byte) (frame uint8) { return buf[3] }

// EncodePeerReset encodes the internal PEER_RESET notification.
func EncodePeerReset() [4]byte { return header(InternalPeerReset, DomainInternal) }

// EncodeTestRampPing encodes a TEST_RAMP_PING. Unlike every other control
// message, its domain field is caller-supplied rather than fixed to
// DomainControl.
func EncodeTestRampPing(domain Domain, replyDomain, rampstart, ramplen uint8) [4]byte {
	var buf [4]byte
	buf[0] = byte(TestRampPing)<<4 | byte(domain)
	buf[1] = replyDomain & 0xf
	buf[2] = rampstart
	buf[3] = ramplen
	return buf
}

// DecodeTestRampPing decodes a TEST_RAMP_PING.
func DecodeTestRampPing(buf [4]byte) (domain Domain, replyDomain, rampstart, ramplen uint8) {
	domain = Domain(buf[0] & 0xf)
	replyDomain = buf[1] & 0xf
	rampstart = buf[2]
	ramplen = buf[3]
	return
}
