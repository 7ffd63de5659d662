package codec

// SpcFlags is a bitmask of speech-codec flags carried on downlink frames
// only; uplink frames always carry zero.
type SpcFlags uint8

const (
	SpcFlagSpeech   SpcFlags = 1 << 0
	SpcFlagBFI      SpcFlags = 1 << 1
	SpcFlagAttenuate SpcFlags = 1 << 2
	SpcFlagDecReset SpcFlags = 1 << 3
	SpcFlagMute     SpcFlags = 1 << 4
	SpcFlagPrev     SpcFlags = 1 << 5
	SpcFlagDTXUsed  SpcFlags = 1 << 6
)

// EncodeULDataHeader encodes a 4-octet uplink data-frame header. Uplink
// frames carry no spc_flags, so byte 2 is reserved and always zero.
func EncodeULDataHeader(frameCounter uint16, length DataLength, rate SampleRate, typ DataType) [4]byte {
	var buf [4]byte
	buf[0] = byte(frameCounter >> 8)
	buf[1] = byte(frameCounter)
	buf[2] = 0
	buf[3] = (byte(length)&0x3)<<4 | (byte(rate)&0x3)<<2 | byte(typ)&0x3
	return buf
}

// DecodeULDataHeader decodes a 4-octet uplink data-frame header.
func DecodeULDataHeader(buf [4]byte) (frameCounter uint16, length DataLength, rate SampleRate, typ DataType) {
	frameCounter = uint16(buf[0])<<8 | uint16(buf[1])
	length = DataLength((buf[3] >> 4) & 0x3)
	rate = SampleRate((buf[3] >> 2) & 0x3)
	typ = DataType(buf[3] & 0x3)
	return
}

// DLDataHeaderFields is the decoded payload of a downlink data-frame
// header (protocol version 2, which relays codec_sample_rate).
type DLDataHeaderFields struct {
	FrameCounter    uint16
	SpcFlags        SpcFlags
	DataLength      DataLength
	SampleRate      SampleRate
	CodecSampleRate SampleRate
	DataType        DataType
}

// EncodeDLDataHeader encodes a 4-octet downlink data-frame header. Byte 2
// packs the top 5 bits of the 7-bit spc_flags field alongside the 2-bit
// codec sample rate; byte 3 packs the bottom 2 bits of spc_flags alongside
// length/rate/type, mirroring the uplink header's layout.
func EncodeDLDataHeader(f DLDataHeaderFields) [4]byte {
	var buf [4]byte
	buf[0] = byte(f.FrameCounter >> 8)
	buf[1] = byte(f.FrameCounter)
	buf[2] = (byte(f.CodecSampleRate)&0x3)<<5 | (byte(f.SpcFlags)>>2)&0x1f
	buf[3] = (byte(f.SpcFlags)&0x3)<<6 | (byte(f.DataLength)&0x3)<<4 | (byte(f.SampleRate)&0x3)<<2 | byte(f.DataType)&0x3
	return buf
}

// DecodeDLDataHeader decodes a 4-octet downlink data-frame header.
func DecodeDLDataHeader(buf [4]byte) DLDataHeaderFields {
	spc := SpcFlags((buf[2]&0x1f)<<2) | SpcFlags((buf[3]>>6)&0x3)
	return DLDataHeaderFields{
		FrameCounter:    uint16(buf[0])<<8 | uint16(buf[1]),
		SpcFlags:        spc,
		DataLength:      DataLength((buf[3] >> 4) & 0x3),
		SampleRate:      SampleRate((buf[3] >> 2) & 0x3),
		CodecSampleRate: SampleRate((buf[2] >> 5) & 0x3),
		DataType:        DataType(buf[3] & 0x3),
	}
}

// SwapHalfwords swaps every adjacent byte pair of payload in place,
// reversing the byte order of each 16-bit PCM sample. A trailing odd byte
// is left untouched. This is the SAMPLE_LAYOUT_SWAPPED_LE transform applied
// to both UL payloads (before enqueue) and DL payloads (on acquire, into a
// private buffer rather than the shared mmap region).
func SwapHalfwords(payload []byte) {
	n := len(payload) &^ 1
	for i := 0; i < n; i += 2 {
		payload[i], payload[i+1] = payload[i+1], payload[i]
	}
}
