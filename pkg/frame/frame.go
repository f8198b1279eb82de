// SPDX-License-Identifier: GPL-2.0-or-later

package frame

// Stream logical stream.
type Stream int

// Streams, the order matches the index file.
const (
	StreamHigh Stream = iota
	StreamLow
	StreamAudio
)

// Streams all streams in index order.
var Streams = []Stream{StreamHigh, StreamLow, StreamAudio}

func (s Stream) String() string {
	switch s {
	case StreamHigh:
		return "high"
	case StreamLow:
		return "low"
	case StreamAudio:
		return "audio"
	}
	return "unknown"
}

// IsVideo reports whether the stream carries video.
func (s Stream) IsVideo() bool {
	return s == StreamHigh || s == StreamLow
}

// Kind frame kind.
type Kind int

// Frame kinds.
const (
	KindUnknown Kind = iota
	KindSPS
	KindPPS
	KindVPS
	KindIDR
	KindFrame // IDR or P frame, when they cannot be told apart.
	KindP
	KindAAC
)

func (k Kind) String() string {
	switch k {
	case KindSPS:
		return "SPS"
	case KindPPS:
		return "PPS"
	case KindVPS:
		return "VPS"
	case KindIDR:
		return "IDR"
	case KindFrame:
		return "frame"
	case KindP:
		return "P"
	case KindAAC:
		return "AAC"
	}
	return "unknown"
}

// IsParameterSet reports whether the kind is a SPS, PPS or VPS.
func (k Kind) IsParameterSet() bool {
	return k == KindSPS || k == KindPPS || k == KindVPS
}

// Frame is a validated frame located in the input ring.
type Frame struct {
	Stream  Stream
	Kind    Kind
	Counter uint16

	// Address and length of the payload in the ring.
	Addr int
	Len  int
}

// NALStart Annex-B start code.
var NALStart = []byte{0x00, 0x00, 0x00, 0x01}

// Known NAL prefixes written by the firmware encoder, start code included.
var (
	SigSPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x00}
	SigPPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68}
	SigIDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88}
	SigP   = []byte{0x00, 0x00, 0x00, 0x01, 0x41}
)

// SPSHeaderGap number of bytes between the header and the start
// code of a SPS.
const SPSHeaderGap = 6
