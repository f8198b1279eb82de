// SPDX-License-Identifier: GPL-2.0-or-later

package ring

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Errors returned by Open.
var (
	ErrOpen = errors.New("could not open frame buffer")
	ErrMap  = errors.New("could not map frame buffer")
)

// Mapping is a read-only shared mapping of the frame buffer file.
type Mapping struct {
	*Ring
	data []byte
}

// Open maps the frame buffer at path. A size of zero maps the whole file.
func Open(path string, size int, offset int) (*Mapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	defer file.Close()

	if size == 0 {
		stat, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("%w: stat: %w", ErrOpen, err)
		}
		size = int(stat.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrMap, path, err)
	}

	r, err := New(data, offset)
	if err != nil {
		unix.Munmap(data) //nolint:errcheck
		return nil, err
	}
	return &Mapping{Ring: r, data: data}, nil
}

// Close unmaps the buffer.
func (m *Mapping) Close() error {
	return unix.Munmap(m.data)
}
