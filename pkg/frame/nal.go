// SPDX-License-Identifier: GPL-2.0-or-later

package frame

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// Codec video codec.
type Codec int

// Codecs.
const (
	CodecH264 Codec = iota
	CodecH265
)

func (c Codec) String() string {
	if c == CodecH265 {
		return "h265"
	}
	return "h264"
}

// ParseCodec parses "h264" or "h265".
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "h264", "":
		return CodecH264, nil
	case "h265":
		return CodecH265, nil
	}
	return 0, fmt.Errorf("unknown codec: %q", s)
}

// NALKind classifies a NAL unit by the header byte following its start code.
func NALKind(codec Codec, header byte) Kind {
	if codec == CodecH265 {
		switch typ := h265.NALUType((header >> 1) & 0b111111); {
		case typ == h265.NALUType_VPS_NUT:
			return KindVPS
		case typ == h265.NALUType_SPS_NUT:
			return KindSPS
		case typ == h265.NALUType_PPS_NUT:
			return KindPPS
		case typ == h265.NALUType_IDR_W_RADL,
			typ == h265.NALUType_IDR_N_LP,
			typ == h265.NALUType_CRA_NUT:
			return KindIDR
		case typ <= h265.NALUType_RASL_R:
			return KindP
		}
		return KindUnknown
	}

	switch h264.NALUType(header & 0x1f) {
	case h264.NALUTypeSPS:
		return KindSPS
	case h264.NALUTypePPS:
		return KindPPS
	case h264.NALUTypeIDR:
		return KindIDR
	case h264.NALUTypeNonIDR:
		return KindP
	}
	return KindUnknown
}
