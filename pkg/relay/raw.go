// SPDX-License-Identifier: GPL-2.0-or-later

package relay

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNotFIFO the path exists but is not a named pipe.
var ErrNotFIFO = errors.New("not a named pipe")

// RawWriter writes the frames back to back. Video payloads already carry
// their start codes so the output is an Annex-B elementary stream.
type RawWriter struct {
	w io.Writer
}

// NewRawWriter returns a sink that writes to w.
func NewRawWriter(w io.Writer) *RawWriter {
	return &RawWriter{w: w}
}

// WriteFrame implements Sink.
func (w *RawWriter) WriteFrame(f Frame) error {
	_, err := w.w.Write(f.Payload)
	return err
}

// OpenFIFO opens the named pipe for writing, creating it if needed. The
// pipe is opened read-write so that opening does not block until a reader
// shows up.
func OpenFIFO(path string) (*os.File, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := unix.Mkfifo(path, 0o644); err != nil {
			return nil, fmt.Errorf("mkfifo %v: %w", path, err)
		}
	case err != nil:
		return nil, err
	case info.Mode()&os.ModeNamedPipe == 0:
		return nil, fmt.Errorf("%w: %v", ErrNotFIFO, path)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", path, err)
	}
	return file, nil
}
