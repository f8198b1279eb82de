// SPDX-License-Identifier: GPL-2.0-or-later

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
	"shmrelay/pkg/outring"

	"github.com/stretchr/testify/require"
)

type mockSink struct {
	frames chan Frame
	err    error
}

func (s *mockSink) WriteFrame(f Frame) error {
	f.Payload = bytes.Clone(f.Payload)
	s.frames <- f
	return s.err
}

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := log.NewMockLogger()
	logger.Start(ctx)
	return logger
}

func TestRelay(t *testing.T) {
	t.Run("order", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		buf := outring.New(1024)
		sink1 := &mockSink{frames: make(chan Frame, 10)}
		sink2 := &mockSink{frames: make(chan Frame, 10), err: errors.New("mock")}

		var wg sync.WaitGroup
		New(frame.StreamLow, buf, newTestLogger(t), sink1, sink2).Start(ctx, &wg)

		require.NoError(t, buf.Push(1, []byte{1, 2}))
		require.NoError(t, buf.Push(2, []byte{3}))

		for _, sink := range []*mockSink{sink1, sink2} {
			require.Equal(t, Frame{frame.StreamLow, 1, []byte{1, 2}}, <-sink.frames)
			require.Equal(t, Frame{frame.StreamLow, 2, []byte{3}}, <-sink.frames)
		}

		cancel()
		wg.Wait()
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan struct{})
		go func() {
			New(frame.StreamHigh, outring.New(8), newTestLogger(t)).Run(ctx)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	})
}

func TestRawWriter(t *testing.T) {
	var b bytes.Buffer
	w := NewRawWriter(&b)
	require.NoError(t, w.WriteFrame(Frame{Payload: []byte{0, 0, 0, 1, 0x67}}))
	require.NoError(t, w.WriteFrame(Frame{Payload: []byte{0, 0, 0, 1, 0x68}}))
	require.Equal(t, []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68}, b.Bytes())
}

func TestOpenFIFO(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stream.h264")
		w, err := OpenFIFO(path)
		require.NoError(t, err)
		defer w.Close()

		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NotZero(t, info.Mode()&os.ModeNamedPipe)

		r, err := os.Open(path)
		require.NoError(t, err)
		defer r.Close()

		require.NoError(t, NewRawWriter(w).WriteFrame(Frame{Payload: []byte("abc")}))
		buf := make([]byte, 3)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), buf)
	})
	t.Run("existing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stream.h264")
		w, err := OpenFIFO(path)
		require.NoError(t, err)
		w.Close()

		w, err = OpenFIFO(path)
		require.NoError(t, err)
		w.Close()
	})
	t.Run("notFIFO", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		_, err := OpenFIFO(path)
		require.ErrorIs(t, err, ErrNotFIFO)
	})
}
