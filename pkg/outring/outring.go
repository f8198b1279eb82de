// SPDX-License-Identifier: GPL-2.0-or-later

// Package outring implements the bounded frame queue between the capture
// loop and a consumer. Frames are copied into a fixed byte ring and
// described by a fixed number of descriptor slots. The producer is never
// blocked, the oldest unread frames are overwritten instead.
package outring

import (
	"errors"
	"fmt"
	"sync"
)

// Slots number of frame descriptors per buffer.
const Slots = 42

// Default buffer sizes.
const (
	DefaultSizeLow   = 49152
	DefaultSizeHigh  = 262144
	DefaultSizeAudio = 12288
)

// Descriptor describes a frame stored in the buffer.
type Descriptor struct {
	Offset  int
	Counter uint16
	Size    int
}

// Stats buffer counters.
type Stats struct {
	Pushed      uint64 `json:"pushed"`
	Popped      uint64 `json:"popped"`
	Overwritten uint64 `json:"overwritten"`
	Rejected    uint64 `json:"rejected"`
}

// ErrFrameTooLarge frame does not fit in the buffer.
var ErrFrameTooLarge = errors.New("frame size exceeds buffer size")

// Buffer single producer, single consumer frame ring.
type Buffer struct {
	buf    []byte
	frames [Slots]Descriptor

	writeIndex int // Next byte to write.
	frameRead  int // Oldest unread descriptor.
	frameWrite int // Next descriptor slot.
	unread     int // Number of unread descriptors.
	unreadSize int // Bytes used by unread frames.

	stats Stats
	ready chan struct{}
	mu    sync.Mutex
}

// New allocates a buffer of size bytes.
func New(size int) *Buffer {
	return &Buffer{
		buf:   make([]byte, size),
		ready: make(chan struct{}, 1),
	}
}

// Size returns the byte capacity.
func (b *Buffer) Size() int {
	return len(b.buf)
}

// Push copies the payload into the buffer. The oldest unread frames are
// discarded when the descriptor slots or their bytes are needed.
func (b *Buffer) Push(counter uint16, payload []byte) error {
	n := len(payload)
	if n > len(b.buf) {
		b.mu.Lock()
		b.stats.Rejected++
		b.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, len(b.buf))
	}

	b.mu.Lock()
	for b.unread > 0 && (b.unread == Slots || b.unreadSize+n > len(b.buf)) {
		b.dropOldest()
	}

	b.frames[b.frameWrite] = Descriptor{
		Offset:  b.writeIndex,
		Counter: counter,
		Size:    n,
	}
	b.writeIndex = b.put(b.writeIndex, payload)
	b.frameWrite = (b.frameWrite + 1) % Slots
	b.unread++
	b.unreadSize += n
	b.stats.Pushed++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return nil
}

func (b *Buffer) dropOldest() {
	b.unreadSize -= b.frames[b.frameRead].Size
	b.frameRead = (b.frameRead + 1) % Slots
	b.unread--
	b.stats.Overwritten++
}

// put copies p at offset with wraparound and returns the next offset.
func (b *Buffer) put(offset int, p []byte) int {
	n := copy(b.buf[offset:], p)
	if n < len(p) {
		copy(b.buf, p[n:])
	}
	return (offset + len(p)) % len(b.buf)
}

// Pop copies the oldest unread frame into dst, which is grown as needed,
// and returns its descriptor and bytes.
func (b *Buffer) Pop(dst []byte) (Descriptor, []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unread == 0 {
		return Descriptor{}, dst[:0], false
	}

	d := b.frames[b.frameRead]
	if cap(dst) < d.Size {
		dst = make([]byte, d.Size)
	}
	dst = dst[:d.Size]
	n := copy(dst, b.buf[d.Offset:])
	copy(dst[n:], b.buf)

	b.frameRead = (b.frameRead + 1) % Slots
	b.unread--
	b.unreadSize -= d.Size
	b.stats.Popped++
	return d, dst, true
}

// Ready is signaled after a push.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Len returns the number of unread frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread
}
