// SPDX-License-Identifier: GPL-2.0-or-later

// Package ringmock writes frames into a ring the way the capture firmware
// does, used for testing.
package ringmock

import (
	"encoding/binary"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/ring"
)

// Producer fake capture firmware.
type Producer struct {
	Buf        []byte
	Ring       *ring.Ring
	HeaderSize int

	// Written to the time field of every header.
	Time uint32

	cursor int
}

// New returns a producer with an empty ring.
func New(size, offset, headerSize int) *Producer {
	buf := make([]byte, size)
	r, err := ring.New(buf, offset)
	if err != nil {
		panic(err)
	}
	p := &Producer{
		Buf:        buf,
		Ring:       r,
		HeaderSize: headerSize,
		Time:       1637000000,
		cursor:     offset,
	}
	p.commit(0)
	return p
}

// Cursor returns the write cursor.
func (p *Producer) Cursor() int {
	return p.cursor
}

// SetCursor moves the write cursor without writing anything.
func (p *Producer) SetCursor(addr int) {
	p.cursor = addr
	p.commit(0)
}

// WriteFrame writes a header followed by the payload and commits it.
// Parameter sets get the 6 byte gap between header and payload. Returns
// the payload address.
func (p *Producer) WriteFrame(streamType uint16, counter uint16, payload []byte) int {
	gap := 0
	if streamType&frame.TypeSPS != 0 {
		gap = frame.SPSHeaderGap
	}
	h := frame.Header{
		Length:        uint32(gap + len(payload)),
		Counter:       uint32(counter),
		Time:          p.Time,
		StreamType:    streamType,
		StreamCounter: counter,
	}

	start := p.cursor
	p.write(h.Marshal(p.HeaderSize))
	p.write(make([]byte, gap))
	addr := p.cursor
	p.write(payload)
	p.commit(p.Ring.Distance(start, p.cursor))
	return addr
}

// WriteRaw writes bytes and commits them.
func (p *Producer) WriteRaw(b []byte) {
	p.write(b)
	p.commit(len(b))
}

// Tear makes the commit record inconsistent, as seen by a reader
// racing the producer.
func (p *Producer) Tear() {
	echo := binary.LittleEndian.Uint32(p.Buf[12:])
	binary.LittleEndian.PutUint32(p.Buf[12:], echo+1)
}

func (p *Producer) write(b []byte) {
	for _, v := range b {
		p.Buf[p.cursor] = v
		p.cursor = p.Ring.Move(p.cursor, 1)
	}
}

func (p *Producer) commit(delta int) {
	commit := uint32(p.cursor - p.Ring.Offset)
	binary.LittleEndian.PutUint32(p.Buf[4:], uint32(delta))
	binary.LittleEndian.PutUint32(p.Buf[12:], commit)
	binary.LittleEndian.PutUint32(p.Buf[16:], commit)
}
