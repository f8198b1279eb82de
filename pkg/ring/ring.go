// SPDX-License-Identifier: GPL-2.0-or-later

// Package ring reads the circular frame buffer shared with the capture
// firmware. The first Offset bytes of the buffer hold the producer's commit
// record, the remaining bytes are a circular payload area that the producer
// keeps overwriting while we read it.
package ring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ProducerHeaderSize minimum size of the producer commit record.
const ProducerHeaderSize = 20

// Producer commit record field offsets.
const (
	deltaPos  = 4
	echoPos   = 12
	commitPos = 16
)

// Geometry describes the circular payload region [Offset, Size).
type Geometry struct {
	Offset int
	Size   int
}

// Span returns the length of the payload region.
func (g Geometry) Span() int {
	return g.Size - g.Offset
}

// Contains reports whether addr is inside the payload region.
func (g Geometry) Contains(addr int) bool {
	return addr >= g.Offset && addr < g.Size
}

// Move returns addr moved by delta, wrapped into the payload region.
// Both positive and negative deltas are supported.
func (g Geometry) Move(addr, delta int) int {
	span := g.Span()
	rel := (addr - g.Offset + delta) % span
	if rel < 0 {
		rel += span
	}
	return g.Offset + rel
}

// Distance returns the forward distance from one address to another.
func (g Geometry) Distance(from, to int) int {
	span := g.Span()
	d := (to - from) % span
	if d < 0 {
		d += span
	}
	return d
}

// Errors.
var (
	ErrGeometry = errors.New("invalid ring geometry")
	ErrTooLarge = errors.New("length exceeds ring span")
)

// Ring is a read view of a circular buffer.
type Ring struct {
	Geometry
	buf []byte
}

// New returns a ring over buf with the payload starting at offset.
func New(buf []byte, offset int) (*Ring, error) {
	if offset < ProducerHeaderSize || offset >= len(buf) {
		return nil, fmt.Errorf("%w: offset %d, size %d", ErrGeometry, offset, len(buf))
	}
	return &Ring{
		Geometry: Geometry{Offset: offset, Size: len(buf)},
		buf:      buf,
	}, nil
}

// Find returns the address of the first occurrence of pattern in the
// window [from, to). A window with to < from wraps around the end of the
// ring: the tail [from, Size) is searched first, then the head [Offset, to).
// Matches straddling the physical end of the ring are found.
func (r *Ring) Find(from, to int, pattern []byte) (int, bool) {
	m := len(pattern)
	if m == 0 || !r.Contains(from) || (!r.Contains(to) && to != r.Size) {
		return 0, false
	}

	if from <= to {
		i := bytes.Index(r.buf[from:to], pattern)
		if i < 0 {
			return 0, false
		}
		return from + i, true
	}

	if i := bytes.Index(r.buf[from:r.Size], pattern); i >= 0 {
		return from + i, true
	}

	// The last m-1 bytes of the tail joined with the first m-1 bytes of
	// the head. Only matches starting in the tail are taken from here.
	seamStart := max(r.Size-(m-1), from)
	seamEnd := min(r.Offset+m-1, to)
	seam := make([]byte, 0, 2*m)
	seam = append(seam, r.buf[seamStart:r.Size]...)
	seam = append(seam, r.buf[r.Offset:seamEnd]...)
	if i := bytes.Index(seam, pattern); i >= 0 && seamStart+i < r.Size {
		return seamStart + i, true
	}

	if i := bytes.Index(r.buf[r.Offset:to], pattern); i >= 0 {
		return r.Offset + i, true
	}
	return 0, false
}

// Compare compares local with len(local) ring bytes starting at addr,
// the result follows bytes.Compare.
func (r *Ring) Compare(local []byte, addr int) int {
	n := min(len(local), r.Size-addr)
	if c := bytes.Compare(local[:n], r.buf[addr:addr+n]); c != 0 {
		return c
	}
	return bytes.Compare(local[n:], r.buf[r.Offset:r.Offset+len(local)-n])
}

// HasPrefix reports whether the ring bytes at addr start with prefix.
func (r *Ring) HasPrefix(addr int, prefix []byte) bool {
	if len(prefix) > r.Span() {
		return false
	}
	return r.Compare(prefix, addr) == 0
}

// Copy copies len(dst) bytes starting at addr into dst.
func (r *Ring) Copy(dst []byte, addr int) error {
	if len(dst) > r.Span() {
		return fmt.Errorf("%w: %d", ErrTooLarge, len(dst))
	}
	if !r.Contains(addr) {
		return fmt.Errorf("%w: address %d", ErrGeometry, addr)
	}
	n := copy(dst, r.buf[addr:r.Size])
	copy(dst[n:], r.buf[r.Offset:])
	return nil
}

// Bytes returns a copy of n ring bytes starting at addr.
func (r *Ring) Bytes(addr, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := r.Copy(out, addr); err != nil {
		return nil, err
	}
	return out, nil
}

// CommitRecord is the producer's write cursor record.
type CommitRecord struct {
	Commit uint32 // Write cursor relative to the payload start.
	Delta  uint32 // Length of the most recent commit.
	Echo   uint32 // Copy of Commit.
}

// Commit reads the producer commit record.
func (r *Ring) Commit() CommitRecord {
	return CommitRecord{
		Commit: binary.LittleEndian.Uint32(r.buf[commitPos:]),
		Delta:  binary.LittleEndian.Uint32(r.buf[deltaPos:]),
		Echo:   binary.LittleEndian.Uint32(r.buf[echoPos:]),
	}
}

// Consistent reports whether the record was read between two producer
// updates and describes a position inside the ring.
func (c CommitRecord) Consistent(g Geometry) bool {
	return c.Commit == c.Echo &&
		int(c.Commit) < g.Span() &&
		int(c.Delta) <= g.Span()
}

// WriteCursor returns the absolute address of the producer write cursor.
func (r *Ring) WriteCursor() int {
	return r.Move(r.Offset, int(r.Commit().Commit))
}
