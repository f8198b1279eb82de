// SPDX-License-Identifier: GPL-2.0-or-later

// Package sps replaces the sequence parameter sets written by the camera
// encoder with copies that carry frame timing, some players refuse to
// start a stream without it.
package sps

import (
	"bytes"
	"errors"
	"fmt"

	"shmrelay/pkg/frame"
)

// Sequence parameter sets written by the encoder, start code included.
var (
	Low = []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x00, 0x14,
		0x96, 0x54, 0x05, 0x01, 0x7b, 0xcb, 0x37, 0x01,
		0x01, 0x01, 0x02,
	}
	High = []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x00, 0x20,
		0x96, 0x54, 0x03, 0xc0, 0x11, 0x2f, 0x2c, 0xdc,
		0x04, 0x04, 0x04, 0x08,
	}
)

// DefaultFPS frame rate of the camera encoder.
const DefaultFPS = 20

const numUnitsInTick = 500

// ErrUnknownSPS the sps does not match the one expected for the stream.
var ErrUnknownSPS = errors.New("unexpected sps")

// Rewriter maps known sequence parameter sets to prepared replacements.
type Rewriter struct {
	known       map[frame.Stream][]byte
	replacement map[frame.Stream][]byte
}

// NewRewriter prepares the replacements for the given frame rate.
func NewRewriter(fps int) (*Rewriter, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("%w: fps %d", ErrInvalidTiming, fps)
	}
	r := &Rewriter{
		known: map[frame.Stream][]byte{
			frame.StreamLow:  Low,
			frame.StreamHigh: High,
		},
		replacement: make(map[frame.Stream][]byte),
	}
	for stream, sps := range r.known {
		out, err := WithTiming(sps, numUnitsInTick, uint32(fps)*2*numUnitsInTick)
		if err != nil {
			return nil, fmt.Errorf("%v sps: %w", stream, err)
		}
		r.replacement[stream] = out
	}
	return r, nil
}

// Rewrite returns the replacement for payload. The payload must start with
// the sps the encoder writes for the stream.
func (r *Rewriter) Rewrite(stream frame.Stream, payload []byte) ([]byte, error) {
	known, exist := r.known[stream]
	if !exist || !bytes.HasPrefix(payload, known) {
		return nil, fmt.Errorf("%w: %v stream", ErrUnknownSPS, stream)
	}
	return r.replacement[stream], nil
}

// Replacement returns the prepared sps for the stream.
func (r *Rewriter) Replacement(stream frame.Stream) []byte {
	return r.replacement[stream]
}
