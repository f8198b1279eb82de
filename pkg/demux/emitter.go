// SPDX-License-Identifier: GPL-2.0-or-later

package demux

import (
	"errors"
	"fmt"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/outring"
	"shmrelay/pkg/ring"
	"shmrelay/pkg/sps"
)

// ErrNotSynced video frame before the first parameter set of the stream.
var ErrNotSynced = errors.New("waiting for sps")

// Outputs output buffers indexed by stream, nil entries are not relayed.
type Outputs [3]*outring.Buffer

// Emitter copies accepted frames from the input ring into the output
// buffers. Video frames are held back until a SPS of the same stream has
// been emitted, a H.265 VPS may precede it.
type Emitter struct {
	ring     *ring.Ring
	outputs  Outputs
	codec    frame.Codec
	rewriter *sps.Rewriter // Optional, only applied to H.264.

	synced  [3]bool
	scratch []byte
}

// NewEmitter returns an emitter. The rewriter may be nil.
func NewEmitter(
	r *ring.Ring,
	outputs Outputs,
	codec frame.Codec,
	rewriter *sps.Rewriter,
) *Emitter {
	scratch := 0
	for _, out := range outputs {
		if out != nil {
			scratch = max(scratch, out.Size())
		}
	}
	return &Emitter{
		ring:     r,
		outputs:  outputs,
		codec:    codec,
		rewriter: rewriter,
		scratch:  make([]byte, scratch),
	}
}

// Emit pushes the frame to the output buffer of its stream.
func (e *Emitter) Emit(f frame.Frame) error {
	out := e.outputs[f.Stream]
	if out == nil {
		return nil
	}

	video := f.Stream.IsVideo()
	if video && !e.synced[f.Stream] && f.Kind != frame.KindSPS && f.Kind != frame.KindVPS {
		return ErrNotSynced
	}

	if f.Len > out.Size() {
		e.synced[f.Stream] = false
		return fmt.Errorf("%w: %d > %d", outring.ErrFrameTooLarge, f.Len, out.Size())
	}

	payload := e.scratch[:f.Len]
	if err := e.ring.Copy(payload, f.Addr); err != nil {
		return err
	}

	if f.Kind == frame.KindSPS && video && e.rewriter != nil && e.codec == frame.CodecH264 {
		var err error
		payload, err = e.rewriter.Rewrite(f.Stream, payload)
		if err != nil {
			e.synced[f.Stream] = false
			return err
		}
	}

	if err := out.Push(f.Counter, payload); err != nil {
		e.synced[f.Stream] = false
		return err
	}
	if f.Kind == frame.KindSPS {
		e.synced[f.Stream] = true
	}
	return nil
}
