// SPDX-License-Identifier: GPL-2.0-or-later

// Package relay drains the output buffers and forwards their frames to the
// sinks, one goroutine per buffer.
package relay

import (
	"context"
	"sync"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
	"shmrelay/pkg/outring"
)

// Frame popped from an output buffer. Payload is only valid until
// WriteFrame returns.
type Frame struct {
	Stream  frame.Stream
	Counter uint16
	Payload []byte
}

// Sink consumes frames.
type Sink interface {
	WriteFrame(Frame) error
}

// Relay forwards the frames of one output buffer.
type Relay struct {
	stream frame.Stream
	buf    *outring.Buffer
	sinks  []Sink

	logger *log.Logger
}

// New returns a relay for the buffer of the stream.
func New(stream frame.Stream, buf *outring.Buffer, logger *log.Logger, sinks ...Sink) *Relay {
	return &Relay{
		stream: stream,
		buf:    buf,
		sinks:  sinks,
		logger: logger,
	}
}

// Start relay in a goroutine.
func (r *Relay) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()
}

// Run blocks until the context is canceled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info().Src("relay").Stream(r.stream).Msg("starting")

	failing := make([]bool, len(r.sinks))
	var scratch []byte
	for {
		select {
		case <-r.buf.Ready():
		case <-ctx.Done():
			return
		}

		for {
			d, payload, ok := r.buf.Pop(scratch)
			if !ok {
				break
			}
			scratch = payload[:0]

			f := Frame{
				Stream:  r.stream,
				Counter: d.Counter,
				Payload: payload,
			}
			for i, sink := range r.sinks {
				err := sink.WriteFrame(f)
				if err != nil && !failing[i] {
					r.logger.Error().Src("relay").Stream(r.stream).
						Msgf("could not write frame %d: %v", d.Counter, err)
				}
				failing[i] = err != nil
			}

			if ctx.Err() != nil {
				return
			}
		}
	}
}
