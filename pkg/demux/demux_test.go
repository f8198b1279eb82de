// SPDX-License-Identifier: GPL-2.0-or-later

package demux

import (
	"context"
	"slices"
	"testing"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
	"shmrelay/pkg/outring"
	"shmrelay/pkg/ring/ringmock"
	"shmrelay/pkg/sps"

	"github.com/stretchr/testify/require"
)

const (
	highSPS   = frame.TypeSPS | frame.TypeHigh
	highPPS   = frame.TypePPS | frame.TypeHigh
	highFrame = frame.TypeFrame | frame.TypeHigh
)

var (
	testPPS = append(slices.Clone(frame.SigPPS), 0xee, 0x3c, 0x80)
	testIDR = append(slices.Clone(frame.SigIDR), 0x84, 0x00, 0x33, 0xff)
	testP   = append(slices.Clone(frame.SigP), 0x9a, 0x02, 0x1c)
	testAAC = []byte{0xff, 0xf1, 0x50, 0x80, 0x01, 0x7f, 0xfc, 0x21}
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := log.NewMockLogger()
	logger.Start(ctx)
	return logger
}

func newTestRewriter(t *testing.T) *sps.Rewriter {
	t.Helper()
	rw, err := sps.NewRewriter(sps.DefaultFPS)
	require.NoError(t, err)
	return rw
}

// pollAll polls until the scanner asks to wait.
func pollAll(t *testing.T, d *Demuxer) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if d.Poll() != 0 {
			return
		}
	}
	t.Fatal("scanner never went idle")
}

func drain(b *outring.Buffer) [][]byte {
	var frames [][]byte
	for {
		_, buf, ok := b.Pop(nil)
		if !ok {
			return frames
		}
		frames = append(frames, buf)
	}
}

// writeKeyframe writes a high resolution SPS, PPS and IDR with
// counter 100 followed by a P frame with counter 101.
func writeKeyframe(p *ringmock.Producer) {
	p.WriteFrame(highSPS, 100, sps.High)
	p.WriteFrame(highPPS, 100, testPPS)
	p.WriteFrame(highFrame, 100, testIDR)
	p.WriteFrame(highFrame, 101, testP)
}

func TestNALScanDemuxer(t *testing.T) {
	newDemuxer := func(
		t *testing.T, p *ringmock.Producer,
	) (*Demuxer, *outring.Buffer) {
		t.Helper()
		logger := newTestLogger(t)
		high := outring.New(outring.DefaultSizeHigh)
		emitter := NewEmitter(p.Ring, Outputs{frame.StreamHigh: high}, frame.CodecH264, newTestRewriter(t))
		d, err := NewDemuxer(
			NewNALScanner(p.Ring, p.HeaderSize, logger),
			PolicyWindow,
			emitter,
			logger,
		)
		require.NoError(t, err)

		// The first poll only records the write cursor.
		require.Equal(t, nalScanWait, d.Poll())
		return d, high
	}

	rw := newTestRewriter(t)
	want := [][]byte{rw.Replacement(frame.StreamHigh), testPPS, testIDR, testP}

	cases := map[string]int{
		"linear": 0,
		"wrap":   40,
	}
	for name, fromEnd := range cases {
		t.Run(name, func(t *testing.T) {
			p := ringmock.New(512, 32, frame.PaddedSize)
			if fromEnd != 0 {
				p.SetCursor(512 - fromEnd)
			}
			d, high := newDemuxer(t, p)

			writeKeyframe(p)
			p.WriteFrame(highFrame, 102, testP)
			pollAll(t, d)

			require.Equal(t, want, drain(high))

			last, ok := d.LastValid(frame.StreamHigh)
			require.True(t, ok)
			require.Equal(t, uint16(101), last)

			stats := d.Stats()
			require.Equal(t, uint64(0), stats.SyncLosses)
			require.Equal(t, uint64(0), stats.Streams["high"].Resyncs)
			require.Equal(t, uint64(4), stats.Streams["high"].Emitted)
			require.Nil(t, stats.Streams["low"].LastValid)
		})
	}
	t.Run("noTrailingStartCode", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.PaddedSize)
		d, high := newDemuxer(t, p)

		writeKeyframe(p)
		pollAll(t, d)

		// The P frame is not complete until the next start code.
		require.Equal(t, want[:3], drain(high))
	})
	t.Run("overrun", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.PaddedSize)
		d, high := newDemuxer(t, p)

		p.WriteFrame(highSPS, 100, sps.High)
		ppsAddr := p.WriteFrame(highPPS, 100, testPPS)
		p.WriteFrame(highFrame, 100, testIDR)
		p.WriteFrame(highFrame, 101, testP)
		p.WriteFrame(highFrame, 102, testP)

		// Claim a length beyond the next start code.
		p.Buf[p.Ring.Move(ppsAddr, -p.HeaderSize)] = 200
		pollAll(t, d)

		require.Equal(t, [][]byte{want[0], testIDR, testP}, drain(high))
	})
	t.Run("unknownStream", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.PaddedSize)
		d, high := newDemuxer(t, p)

		p.WriteFrame(highSPS, 100, sps.High)
		p.WriteFrame(frame.TypeFrame, 100, testIDR)
		p.WriteFrame(highFrame, 101, testP)
		p.WriteFrame(highFrame, 102, testP)
		pollAll(t, d)

		require.Equal(t, [][]byte{want[0], testP}, drain(high))
	})
	t.Run("unsynced", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.PaddedSize)
		d, high := newDemuxer(t, p)

		p.WriteFrame(highFrame, 99, testP)
		writeKeyframe(p)
		p.WriteFrame(highFrame, 102, testP)
		pollAll(t, d)

		require.Equal(t, want, drain(high))
		require.Equal(t, uint64(1), d.Stats().Streams["high"].Dropped)
	})
}

func TestChainDemuxer(t *testing.T) {
	type outputs struct {
		high  *outring.Buffer
		audio *outring.Buffer
	}
	newDemuxer := func(
		t *testing.T, p *ringmock.Producer, policy PolicyName,
	) (*Demuxer, outputs) {
		t.Helper()
		logger := newTestLogger(t)
		out := outputs{
			high:  outring.New(outring.DefaultSizeHigh),
			audio: outring.New(outring.DefaultSizeAudio),
		}
		emitter := NewEmitter(p.Ring, Outputs{
			frame.StreamHigh:  out.high,
			frame.StreamAudio: out.audio,
		}, frame.CodecH264, newTestRewriter(t))
		d, err := NewDemuxer(
			NewChainScanner(p.Ring, p.HeaderSize, frame.CodecH264, logger),
			policy,
			emitter,
			logger,
		)
		require.NoError(t, err)
		require.Equal(t, chainIdleWait, d.Poll())
		return d, out
	}

	rw := newTestRewriter(t)
	want := [][]byte{rw.Replacement(frame.StreamHigh), testPPS, testIDR, testP}

	headerSizes := map[string]int{
		"padded":  frame.PaddedSize,
		"compact": frame.CompactSize,
	}
	for name, headerSize := range headerSizes {
		t.Run(name, func(t *testing.T) {
			p := ringmock.New(512, 32, headerSize)
			p.SetCursor(500)
			d, out := newDemuxer(t, p, PolicyLoss)

			writeKeyframe(p)
			p.WriteFrame(frame.TypeAAC, 7, testAAC)
			p.WriteFrame(highFrame, 102, testP)
			pollAll(t, d)

			require.Equal(t, want, drain(out.high))
			require.Equal(t, [][]byte{testAAC}, drain(out.audio))

			// The last frame is read once the producer moves on.
			p.WriteFrame(highFrame, 103, testP)
			pollAll(t, d)
			require.Equal(t, [][]byte{testP}, drain(out.high))

			last, ok := d.LastValid(frame.StreamHigh)
			require.True(t, ok)
			require.Equal(t, uint16(102), last)
		})
	}
	t.Run("lost", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.CompactSize)
		d, out := newDemuxer(t, p, PolicyLoss)

		writeKeyframe(p)
		p.WriteFrame(highFrame, 104, testP)
		p.WriteFrame(highFrame, 105, testP)
		pollAll(t, d)

		require.Len(t, drain(out.high), 5)
		require.Equal(t, uint64(2), d.Stats().Streams["high"].Lost)
	})
	t.Run("syncLost", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.CompactSize)
		d, out := newDemuxer(t, p, PolicyLoss)

		for i := 0; i < MaxBatch+2; i++ {
			p.WriteFrame(highFrame, uint16(90+i), testP)
		}
		pollAll(t, d)
		require.Empty(t, drain(out.high))
		require.Equal(t, uint64(1), d.Stats().SyncLosses)

		writeKeyframe(p)
		p.WriteFrame(highFrame, 102, testP)
		pollAll(t, d)
		require.Equal(t, want, drain(out.high))
	})
	t.Run("invalidLength", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.CompactSize)
		d, out := newDemuxer(t, p, PolicyLoss)

		addr := p.Cursor()
		writeKeyframe(p)
		p.Buf[addr+3] = 0x7f
		pollAll(t, d)
		require.Empty(t, drain(out.high))
		require.Equal(t, uint64(1), d.Stats().SyncLosses)
	})
	t.Run("inconsistentCommit", func(t *testing.T) {
		p := ringmock.New(4096, 32, frame.CompactSize)
		d, out := newDemuxer(t, p, PolicyLoss)

		writeKeyframe(p)
		p.WriteFrame(highFrame, 102, testP)
		p.Tear()
		require.Equal(t, chainRaceWait, d.Poll())
		require.Empty(t, drain(out.high))
	})
}

func TestEmitter(t *testing.T) {
	newEmitter := func(
		t *testing.T, size int, rw *sps.Rewriter,
	) (*ringmock.Producer, *Emitter, *outring.Buffer) {
		t.Helper()
		p := ringmock.New(4096, 32, frame.PaddedSize)
		out := outring.New(size)
		return p, NewEmitter(p.Ring, Outputs{frame.StreamHigh: out}, frame.CodecH264, rw), out
	}
	write := func(p *ringmock.Producer, typ uint16, kind frame.Kind, payload []byte) frame.Frame {
		return frame.Frame{
			Stream:  frame.StreamHigh,
			Kind:    kind,
			Counter: 100,
			Addr:    p.WriteFrame(typ, 100, payload),
			Len:     len(payload),
		}
	}

	t.Run("notSynced", func(t *testing.T) {
		p, e, out := newEmitter(t, 1024, nil)
		require.ErrorIs(t, e.Emit(write(p, highFrame, frame.KindP, testP)), ErrNotSynced)
		require.NoError(t, e.Emit(write(p, highSPS, frame.KindSPS, sps.High)))
		require.NoError(t, e.Emit(write(p, highFrame, frame.KindP, testP)))
		require.Equal(t, [][]byte{sps.High, testP}, drain(out))
	})
	t.Run("tooLarge", func(t *testing.T) {
		p, e, out := newEmitter(t, 16, nil)
		require.ErrorIs(t,
			e.Emit(write(p, highSPS, frame.KindSPS, sps.High)),
			outring.ErrFrameTooLarge,
		)
		require.ErrorIs(t, e.Emit(write(p, highFrame, frame.KindP, testP)), ErrNotSynced)
		require.Empty(t, drain(out))
	})
	t.Run("tooLargeUnsyncs", func(t *testing.T) {
		p, e, out := newEmitter(t, 24, nil)
		require.NoError(t, e.Emit(write(p, highSPS, frame.KindSPS, sps.High)))

		big := append(slices.Clone(testIDR), make([]byte, 32)...)
		require.ErrorIs(t, e.Emit(write(p, highFrame, frame.KindIDR, big)), outring.ErrFrameTooLarge)
		require.ErrorIs(t, e.Emit(write(p, highFrame, frame.KindP, testP)), ErrNotSynced)
		require.Equal(t, [][]byte{sps.High}, drain(out))
	})
	t.Run("rewrite", func(t *testing.T) {
		rw := newTestRewriter(t)
		p, e, out := newEmitter(t, 1024, rw)
		require.NoError(t, e.Emit(write(p, highSPS, frame.KindSPS, sps.High)))
		require.Equal(t, [][]byte{rw.Replacement(frame.StreamHigh)}, drain(out))
	})
	t.Run("unknownSPS", func(t *testing.T) {
		p, e, out := newEmitter(t, 1024, newTestRewriter(t))
		require.ErrorIs(t,
			e.Emit(write(p, highSPS, frame.KindSPS, sps.Low)),
			sps.ErrUnknownSPS,
		)
		require.ErrorIs(t, e.Emit(write(p, highFrame, frame.KindP, testP)), ErrNotSynced)
		require.Empty(t, drain(out))
	})
	t.Run("unknownSPSUnsyncs", func(t *testing.T) {
		rw := newTestRewriter(t)
		p, e, out := newEmitter(t, 1024, rw)
		require.NoError(t, e.Emit(write(p, highSPS, frame.KindSPS, sps.High)))
		require.ErrorIs(t,
			e.Emit(write(p, highSPS, frame.KindSPS, sps.Low)),
			sps.ErrUnknownSPS,
		)
		require.ErrorIs(t, e.Emit(write(p, highFrame, frame.KindP, testP)), ErrNotSynced)
		require.Equal(t, [][]byte{rw.Replacement(frame.StreamHigh)}, drain(out))
	})
	t.Run("notRelayed", func(t *testing.T) {
		p, e, _ := newEmitter(t, 1024, nil)
		f := write(p, frame.TypeAAC, frame.KindAAC, testAAC)
		f.Stream = frame.StreamAudio
		require.NoError(t, e.Emit(f))
	})
}
