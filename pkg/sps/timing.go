// SPDX-License-Identifier: GPL-2.0-or-later

package sps

import (
	"bytes"
	"errors"
	"fmt"

	"shmrelay/pkg/frame"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/icza/bitio"
)

// Errors.
var (
	ErrNoStartCode     = errors.New("missing start code")
	ErrNoStopBit       = errors.New("missing rbsp stop bit")
	ErrTimingPresent   = errors.New("vui tail is not empty")
	ErrInvalidTiming   = errors.New("invalid timing")
	ErrUnsupportedNALU = errors.New("not a sps")
)

// Flags that precede the rbsp stop bit when the VUI carries no timing,
// no HRD parameters and no bitstream restriction.
//
//	timing_info_present_flag
//	nal_hrd_parameters_present_flag
//	vcl_hrd_parameters_present_flag
//	pic_struct_present_flag
//	bitstream_restriction_flag
const vuiTailBits = 5

// WithTiming returns a copy of sps, start code included, with VUI timing
// information added. num_units_in_tick and time_scale are written with
// fixed_frame_rate_flag set. The sps must already carry VUI parameters
// ending with an empty tail.
func WithTiming(sps []byte, numUnitsInTick, timeScale uint32) ([]byte, error) {
	if numUnitsInTick == 0 || timeScale == 0 {
		return nil, ErrInvalidTiming
	}
	if !bytes.HasPrefix(sps, frame.NALStart) {
		return nil, ErrNoStartCode
	}
	prefixLen := len(frame.NALStart) + 1
	if len(sps) <= prefixLen {
		return nil, ErrUnsupportedNALU
	}
	if h264.NALUType(sps[len(frame.NALStart)]&0x1f) != h264.NALUTypeSPS {
		return nil, ErrUnsupportedNALU
	}

	rbsp := h264.EmulationPreventionRemove(sps[prefixLen:])
	stop, err := stopBitPos(rbsp)
	if err != nil {
		return nil, err
	}
	if stop < vuiTailBits {
		return nil, ErrTimingPresent
	}

	var out bytes.Buffer
	w := bitio.NewWriter(&out)
	r := bitio.NewReader(bytes.NewReader(rbsp))

	keep := stop - vuiTailBits
	for keep > 0 {
		n := min(keep, 32)
		v, err := r.ReadBits(uint8(n))
		if err != nil {
			return nil, fmt.Errorf("read rbsp: %w", err)
		}
		if err := w.WriteBits(v, uint8(n)); err != nil {
			return nil, err
		}
		keep -= n
	}

	tail, err := r.ReadBits(vuiTailBits)
	if err != nil {
		return nil, fmt.Errorf("read vui tail: %w", err)
	}
	if tail != 0 {
		return nil, ErrTimingPresent
	}

	w.TryWriteBool(true) // timing_info_present_flag
	w.TryWriteBits(uint64(numUnitsInTick), 32)
	w.TryWriteBits(uint64(timeScale), 32)
	w.TryWriteBool(true) // fixed_frame_rate_flag
	w.TryWriteBits(0, 4) // nal_hrd, vcl_hrd, pic_struct, bitstream_restriction
	w.TryWriteBool(true) // rbsp_stop_one_bit
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	ret := make([]byte, 0, prefixLen+out.Len()+4)
	ret = append(ret, sps[:prefixLen]...)
	return append(ret, emulationPreventionAdd(out.Bytes())...), nil
}

// stopBitPos returns the bit position of the rbsp_stop_one_bit.
func stopBitPos(rbsp []byte) (int, error) {
	for i := len(rbsp) - 1; i >= 0; i-- {
		b := rbsp[i]
		if b == 0 {
			continue
		}
		pos := 7
		for b&1 == 0 {
			b >>= 1
			pos--
		}
		return i*8 + pos, nil
	}
	return 0, ErrNoStopBit
}

// emulationPreventionAdd inserts a 0x03 byte after two zero bytes that
// are followed by a byte lower than or equal to 0x03.
func emulationPreventionAdd(rbsp []byte) []byte {
	ret := make([]byte, 0, len(rbsp)+len(rbsp)/16)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			ret = append(ret, 3)
			zeros = 0
		}
		ret = append(ret, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return ret
}
