// SPDX-License-Identifier: GPL-2.0-or-later

// Package index tracks the location of the latest complete keyframe set
// of each video stream in the input ring and shares it with the snapshot
// tool through a small side file.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"shmrelay/pkg/frame"
)

// DefaultPath of the side file.
const DefaultPath = "/tmp/iframe.idx"

// Errors.
var (
	ErrNoIndex      = errors.New("no index")
	ErrInvalidIndex = errors.New("invalid index")
)

// Entry location of a NAL unit in the input ring. Addr is relative to the
// start of the mapping and includes the start code.
type Entry struct {
	Addr int32
	Len  int32
}

// Keyframe a parameter set group and the IDR frame that follows it.
type Keyframe struct {
	SPS Entry
	PPS Entry
	VPS Entry // H265 only.
	IDR Entry
}

// Complete reports whether the keyframe has been found.
func (k Keyframe) Complete() bool {
	return k.SPS.Len > 0 && k.PPS.Len > 0 && k.IDR.Len > 0
}

// Entries returns the entries in decoding order.
func (k Keyframe) Entries(codec frame.Codec) []Entry {
	if codec == frame.CodecH265 {
		return []Entry{k.VPS, k.SPS, k.PPS, k.IDR}
	}
	return []Entry{k.SPS, k.PPS, k.IDR}
}

// Index latest keyframe of both video streams.
type Index struct {
	Codec frame.Codec
	High  Keyframe
	Low   Keyframe
}

// Keyframe returns the keyframe of a video stream.
func (i *Index) Keyframe(stream frame.Stream) *Keyframe {
	if stream == frame.StreamLow {
		return &i.Low
	}
	return &i.High
}

func recordSize(codec frame.Codec) int {
	if codec == frame.CodecH265 {
		return 8 * 4
	}
	return 6 * 4
}

// Marshal encodes the index as little endian int32 records, high
// resolution first. A record is sps, pps, [vps,] idr address and length.
func (i Index) Marshal() []byte {
	buf := make([]byte, 0, 2*recordSize(i.Codec))
	for _, k := range []Keyframe{i.High, i.Low} {
		entries := []Entry{k.SPS, k.PPS}
		if i.Codec == frame.CodecH265 {
			entries = append(entries, k.VPS)
		}
		entries = append(entries, k.IDR)

		for _, e := range entries {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Addr))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Len))
		}
	}
	return buf
}

// Unmarshal decodes an index, the codec is implied by the size.
func Unmarshal(buf []byte) (Index, error) {
	var i Index
	switch len(buf) {
	case 2 * recordSize(frame.CodecH264):
		i.Codec = frame.CodecH264
	case 2 * recordSize(frame.CodecH265):
		i.Codec = frame.CodecH265
	default:
		return Index{}, fmt.Errorf("%w: size %d", ErrInvalidIndex, len(buf))
	}

	next := func() Entry {
		e := Entry{
			Addr: int32(binary.LittleEndian.Uint32(buf)),
			Len:  int32(binary.LittleEndian.Uint32(buf[4:])),
		}
		buf = buf[8:]
		return e
	}
	for _, k := range []*Keyframe{&i.High, &i.Low} {
		k.SPS = next()
		k.PPS = next()
		if i.Codec == frame.CodecH265 {
			k.VPS = next()
		}
		k.IDR = next()
	}
	return i, nil
}

// Load reads the index file.
func Load(path string) (Index, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Index{}, fmt.Errorf("%w: %v", ErrNoIndex, path)
		}
		return Index{}, err
	}
	return Unmarshal(buf)
}

// Save writes the index file atomically.
func Save(path string, i Index) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(i.Marshal()); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
