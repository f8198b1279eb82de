// SPDX-License-Identifier: GPL-2.0-or-later

package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"

	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	t.Run("h264", func(t *testing.T) {
		i := Index{
			High: Keyframe{
				SPS: Entry{328, 20},
				PPS: Entry{370, 8},
				IDR: Entry{400, 5000},
			},
			Low: Keyframe{
				SPS: Entry{1, 2},
				PPS: Entry{3, 4},
				IDR: Entry{5, 6},
			},
		}
		buf := i.Marshal()
		require.Len(t, buf, 48)
		require.Equal(t, []byte{0x48, 0x01, 0, 0, 20, 0, 0, 0}, buf[:8])
		require.Equal(t, []byte{5, 0, 0, 0, 6, 0, 0, 0}, buf[40:])

		got, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, i, got)
	})
	t.Run("h265", func(t *testing.T) {
		i := Index{
			Codec: frame.CodecH265,
			High: Keyframe{
				VPS: Entry{300, 30},
				SPS: Entry{340, 40},
				PPS: Entry{390, 10},
				IDR: Entry{410, 900},
			},
		}
		buf := i.Marshal()
		require.Len(t, buf, 64)
		require.Equal(t, []byte{0x2c, 0x01, 0, 0, 30, 0, 0, 0}, buf[16:24])

		got, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, i, got)
	})
	t.Run("invalidSize", func(t *testing.T) {
		_, err := Unmarshal(make([]byte, 47))
		require.ErrorIs(t, err, ErrInvalidIndex)
	})
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iframe.idx")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoIndex)

	i := Index{High: Keyframe{SPS: Entry{1, 2}, PPS: Entry{3, 4}, IDR: Entry{5, 6}}}
	require.NoError(t, Save(path, i))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, i, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func newTestLocator(t *testing.T, codec frame.Codec) (*Locator, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := log.NewMockLogger()
	logger.Start(ctx)

	path := filepath.Join(t.TempDir(), "iframe.idx")
	return NewLocator(path, codec, logger), path
}

// flush saves the pending index, if any.
func flush(l *Locator) {
	select {
	case i := <-l.saves:
		l.save(i)
	default:
	}
}

func TestLocator(t *testing.T) {
	high := func(kind frame.Kind, addr, n int) frame.Frame {
		return frame.Frame{Stream: frame.StreamHigh, Kind: kind, Addr: addr, Len: n}
	}
	low := func(kind frame.Kind, addr, n int) frame.Frame {
		return frame.Frame{Stream: frame.StreamLow, Kind: kind, Addr: addr, Len: n}
	}
	want := Keyframe{
		SPS: Entry{328, 20},
		PPS: Entry{370, 8},
		IDR: Entry{400, 5000},
	}

	t.Run("complete", func(t *testing.T) {
		l, path := newTestLocator(t, frame.CodecH264)
		l.Observe(high(frame.KindSPS, 328, 20))
		l.Observe(high(frame.KindPPS, 370, 8))
		flush(l)

		_, err := Load(path)
		require.ErrorIs(t, err, ErrNoIndex)

		l.Observe(high(frame.KindIDR, 400, 5000))
		l.Observe(high(frame.KindP, 6000, 300))
		flush(l)

		got, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, want, got.High)
		require.Equal(t, Keyframe{}, got.Low)
		require.Equal(t, got, l.Index())
	})
	t.Run("interleaved", func(t *testing.T) {
		l, _ := newTestLocator(t, frame.CodecH264)
		l.Observe(high(frame.KindSPS, 328, 20))
		l.Observe(low(frame.KindSPS, 10, 19))
		l.Observe(high(frame.KindPPS, 370, 8))
		l.Observe(low(frame.KindPPS, 40, 8))
		l.Observe(frame.Frame{Stream: frame.StreamAudio, Kind: frame.KindAAC})
		l.Observe(high(frame.KindIDR, 400, 5000))
		l.Observe(low(frame.KindIDR, 60, 900))

		i := l.Index()
		require.Equal(t, want, i.High)
		require.Equal(t, Keyframe{
			SPS: Entry{10, 19},
			PPS: Entry{40, 8},
			IDR: Entry{60, 900},
		}, i.Low)
	})
	t.Run("outOfOrder", func(t *testing.T) {
		l, _ := newTestLocator(t, frame.CodecH264)
		l.Observe(high(frame.KindPPS, 370, 8))
		l.Observe(high(frame.KindIDR, 400, 5000))
		require.False(t, l.Index().High.Complete())

		// A new SPS restarts the set.
		l.Observe(high(frame.KindSPS, 100, 20))
		l.Observe(high(frame.KindSPS, 328, 20))
		l.Observe(high(frame.KindPPS, 370, 8))
		l.Observe(high(frame.KindIDR, 400, 5000))
		require.Equal(t, want, l.Index().High)
	})
	t.Run("unchanged", func(t *testing.T) {
		l, path := newTestLocator(t, frame.CodecH264)
		for _, f := range []frame.Frame{
			high(frame.KindSPS, 328, 20),
			high(frame.KindPPS, 370, 8),
			high(frame.KindIDR, 400, 5000),
		} {
			l.Observe(f)
		}
		flush(l)
		require.NoError(t, os.Remove(path))

		for _, f := range []frame.Frame{
			high(frame.KindSPS, 328, 20),
			high(frame.KindPPS, 370, 8),
			high(frame.KindIDR, 400, 5000),
		} {
			l.Observe(f)
		}
		require.Empty(t, l.saves)
		_, err := Load(path)
		require.ErrorIs(t, err, ErrNoIndex)
	})
	t.Run("latestWins", func(t *testing.T) {
		l, path := newTestLocator(t, frame.CodecH264)
		l.Observe(high(frame.KindSPS, 100, 20))
		l.Observe(high(frame.KindPPS, 130, 8))
		l.Observe(high(frame.KindIDR, 150, 900))
		l.Observe(high(frame.KindSPS, 328, 20))
		l.Observe(high(frame.KindPPS, 370, 8))
		l.Observe(high(frame.KindIDR, 400, 5000))
		require.Len(t, l.saves, 1)

		flush(l)
		got, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, want, got.High)
	})
	t.Run("noPath", func(t *testing.T) {
		l := NewLocator("", frame.CodecH264, log.NewMockLogger())
		l.Observe(high(frame.KindSPS, 328, 20))
		l.Observe(high(frame.KindPPS, 370, 8))
		l.Observe(high(frame.KindIDR, 400, 5000))
		require.Empty(t, l.saves)
		require.Equal(t, want, l.Index().High)
	})
	t.Run("h265", func(t *testing.T) {
		l, path := newTestLocator(t, frame.CodecH265)
		l.Observe(high(frame.KindSPS, 10, 40))
		l.Observe(high(frame.KindVPS, 300, 30))
		l.Observe(high(frame.KindSPS, 340, 40))
		l.Observe(high(frame.KindPPS, 390, 10))
		l.Observe(high(frame.KindIDR, 410, 900))
		flush(l)

		got, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, frame.CodecH265, got.Codec)
		require.Equal(t, Keyframe{
			VPS: Entry{300, 30},
			SPS: Entry{340, 40},
			PPS: Entry{390, 10},
			IDR: Entry{410, 900},
		}, got.High)
	})
}

func TestLocatorRun(t *testing.T) {
	high := func(kind frame.Kind, addr, n int) frame.Frame {
		return frame.Frame{Stream: frame.StreamHigh, Kind: kind, Addr: addr, Len: n}
	}
	l, path := newTestLocator(t, frame.CodecH264)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	l.Observe(high(frame.KindSPS, 100, 20))
	l.Observe(high(frame.KindPPS, 130, 8))
	l.Observe(high(frame.KindIDR, 150, 900))
	require.Eventually(t, func() bool {
		_, err := Load(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// An index queued just before cancellation is still saved.
	l.Observe(high(frame.KindSPS, 328, 20))
	l.Observe(high(frame.KindPPS, 370, 8))
	l.Observe(high(frame.KindIDR, 400, 5000))
	cancel()
	<-done

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Entry{400, 5000}, got.High.IDR)
}
