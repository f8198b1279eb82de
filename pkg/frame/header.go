// SPDX-License-Identifier: GPL-2.0-or-later

// Package frame decodes the per-frame headers the capture firmware places
// in front of every frame in the ring.
package frame

import (
	"encoding/binary"

	"shmrelay/pkg/ring"
)

// PaddedSize size of the padded header layout.
//
//	length        uint32
//	counter       uint32
//	reserved      uint32
//	time          uint32
//	streamType    uint16
//	streamCounter uint16
//	pad           uint16
const PaddedSize = 22

// CompactSize size of the fields of the compact header layout.
//
//	length        uint32
//	counter       uint32
//	time          uint32
//	streamType    uint16
//	streamCounter uint16
const CompactSize = 16

// Stream type bits.
const (
	TypeFrame = 0x0001 // IDR or P frame.
	TypeSPS   = 0x0002
	TypePPS   = 0x0004
	TypeVPS   = 0x0008
	TypeAAC   = 0x0100
	TypeHigh  = 0x0400
	TypeLow   = 0x0800
)

// Header per-frame header.
type Header struct {
	Length        uint32
	Counter       uint32
	Time          uint32
	StreamType    uint16
	StreamCounter uint16
}

type layout struct {
	time          int
	streamType    int
	streamCounter int
}

var (
	paddedLayout  = layout{time: 12, streamType: 16, streamCounter: 18}
	compactLayout = layout{time: 8, streamType: 12, streamCounter: 14}
)

func layoutFor(headerSize int) layout {
	if headerSize == PaddedSize {
		return paddedLayout
	}
	return compactLayout
}

// Unmarshal decodes a header from buf using the layout selected by
// headerSize. buf must hold at least max(headerSize, CompactSize) bytes.
func (h *Header) Unmarshal(buf []byte, headerSize int) {
	l := layoutFor(headerSize)
	h.Length = binary.LittleEndian.Uint32(buf[0:])
	h.Counter = binary.LittleEndian.Uint32(buf[4:])
	h.Time = binary.LittleEndian.Uint32(buf[l.time:])
	h.StreamType = binary.LittleEndian.Uint16(buf[l.streamType:])
	h.StreamCounter = binary.LittleEndian.Uint16(buf[l.streamCounter:])
}

// Marshal encodes the header into a headerSize long buffer.
func (h Header) Marshal(headerSize int) []byte {
	l := layoutFor(headerSize)
	out := make([]byte, max(headerSize, CompactSize))
	binary.LittleEndian.PutUint32(out[0:], h.Length)
	binary.LittleEndian.PutUint32(out[4:], h.Counter)
	binary.LittleEndian.PutUint32(out[l.time:], h.Time)
	binary.LittleEndian.PutUint16(out[l.streamType:], h.StreamType)
	binary.LittleEndian.PutUint16(out[l.streamCounter:], h.StreamCounter)
	return out[:headerSize]
}

// Decode reads the header at addr, the header may wrap around the ring end.
func Decode(r *ring.Ring, addr int, headerSize int) (Header, error) {
	buf := make([]byte, max(headerSize, CompactSize))
	if err := r.Copy(buf[:headerSize], addr); err != nil {
		return Header{}, err
	}
	var h Header
	h.Unmarshal(buf, headerSize)
	return h, nil
}

// Stream returns the logical stream the frame belongs to.
func (h Header) Stream() (Stream, bool) {
	switch {
	case h.StreamType&TypeLow != 0:
		return StreamLow, true
	case h.StreamType&TypeHigh != 0:
		return StreamHigh, true
	case h.StreamType&TypeAAC != 0:
		return StreamAudio, true
	}
	return 0, false
}

// Kind returns the frame kind encoded in the stream type.
func (h Header) Kind() Kind {
	switch {
	case h.StreamType&TypeAAC != 0:
		return KindAAC
	case h.StreamType&TypeSPS != 0:
		return KindSPS
	case h.StreamType&TypePPS != 0:
		return KindPPS
	case h.StreamType&TypeVPS != 0:
		return KindVPS
	case h.StreamType&TypeFrame != 0:
		return KindFrame
	}
	return KindUnknown
}
