// SPDX-License-Identifier: GPL-2.0-or-later

package demux

import (
	"fmt"
	"time"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
	"shmrelay/pkg/ring"
)

// Poll intervals.
const (
	nalScanWait   = 25 * time.Millisecond
	chainIdleWait = 10 * time.Millisecond
	chainRaceWait = 1 * time.Millisecond
)

// MaxBatch maximum number of headers walked in one poll.
const MaxBatch = 10

// Protocol how frames are located in the input ring.
type Protocol string

// Protocols.
const (
	ProtocolNALScan     Protocol = "nalscan"
	ProtocolHeaderChain Protocol = "headerchain"
)

// Valid reports whether the protocol is known.
func (p Protocol) Valid() bool {
	return p == ProtocolNALScan || p == ProtocolHeaderChain
}

// Result of a single scan.
type Result struct {
	// Frames that passed structural validation, in ring order.
	Frames []frame.Frame

	// How long to wait before the next scan when no frames were found.
	Wait time.Duration

	// The scanner lost track of the header chain and skipped ahead.
	SyncLost bool
}

// Scanner finds newly committed frames in the input ring.
type Scanner interface {
	Scan() Result
}

// NewScanner returns a scanner for the protocol.
func NewScanner(
	protocol Protocol,
	r *ring.Ring,
	headerSize int,
	codec frame.Codec,
	logger *log.Logger,
) (Scanner, error) {
	switch protocol {
	case ProtocolNALScan:
		if codec != frame.CodecH264 {
			return nil, fmt.Errorf("%s protocol only supports h264", protocol)
		}
		return NewNALScanner(r, headerSize, logger), nil
	case ProtocolHeaderChain:
		return NewChainScanner(r, headerSize, codec, logger), nil
	}
	return nil, fmt.Errorf("unknown protocol: %q", protocol)
}

// NALScanner locates frames by searching for start codes and reads the
// frame header placed in front of each recognized NAL unit. Detection lags
// one NAL unit since a frame is only complete once the next start code has
// been written.
type NALScanner struct {
	ring       *ring.Ring
	headerSize int

	cursor  int
	started bool

	logger *log.Logger
}

// NewNALScanner returns a scanner that starts at the current write cursor.
func NewNALScanner(r *ring.Ring, headerSize int, logger *log.Logger) *NALScanner {
	return &NALScanner{
		ring:       r,
		headerSize: headerSize,
		logger:     logger,
	}
}

// Scan implements Scanner.
func (s *NALScanner) Scan() Result {
	end := s.ring.WriteCursor()
	if !s.started {
		s.cursor = end
		s.started = true
		return Result{Wait: nalScanWait}
	}

	idx1, found := s.ring.Find(s.cursor, end, frame.NALStart)
	if !found {
		return Result{Wait: nalScanWait}
	}
	s.cursor = idx1

	idx2, found := s.ring.Find(s.ring.Move(idx1, 1), end, frame.NALStart)
	if !found {
		return Result{Wait: nalScanWait}
	}
	s.cursor = idx2

	f, ok := s.parse(idx1, idx2)
	if !ok {
		return Result{}
	}
	return Result{Frames: []frame.Frame{f}}
}

func (s *NALScanner) parse(idx1, idx2 int) (frame.Frame, bool) {
	var kind frame.Kind
	gap := 0
	switch {
	case s.ring.HasPrefix(idx1, frame.SigSPS):
		kind, gap = frame.KindSPS, frame.SPSHeaderGap
	case s.ring.HasPrefix(idx1, frame.SigPPS):
		kind = frame.KindPPS
	case s.ring.HasPrefix(idx1, frame.SigIDR):
		kind = frame.KindIDR
	case s.ring.HasPrefix(idx1, frame.SigP):
		kind = frame.KindP
	default:
		return frame.Frame{}, false
	}

	h, err := frame.Decode(s.ring, s.ring.Move(idx1, -(gap+s.headerSize)), s.headerSize)
	if err != nil {
		return frame.Frame{}, false
	}

	stream, ok := h.Stream()
	if !ok || !stream.IsVideo() {
		s.logger.Warn().Src("demux").Msgf("unexpected NALU header, stream type: %#04x", h.StreamType)
		return frame.Frame{}, false
	}

	length := int(h.Length) - gap
	if length <= 0 || length >= s.ring.Span() {
		s.logger.Debug().Src("demux").Stream(stream).Msgf("invalid %v length: %d", kind, length)
		return frame.Frame{}, false
	}

	if s.ring.Distance(idx1, idx2) <= length {
		s.logger.Debug().Src("demux").Stream(stream).
			Msgf("%v overruns next start code, length: %d", kind, length)
		return frame.Frame{}, false
	}

	return frame.Frame{
		Stream:  stream,
		Kind:    kind,
		Counter: h.StreamCounter,
		Addr:    idx1,
		Len:     length,
	}, true
}

// ChainScanner follows the header chain from the previous commit to the
// current one. The last frame of each batch is left for the next poll
// since the producer may still be writing it.
type ChainScanner struct {
	ring       *ring.Ring
	headerSize int
	codec      frame.Codec

	prevEnd int
	started bool

	logger *log.Logger
}

// NewChainScanner returns a scanner that starts at the current write cursor.
func NewChainScanner(
	r *ring.Ring,
	headerSize int,
	codec frame.Codec,
	logger *log.Logger,
) *ChainScanner {
	return &ChainScanner{
		ring:       r,
		headerSize: headerSize,
		codec:      codec,
		logger:     logger,
	}
}

type chainEntry struct {
	addr   int
	header frame.Header
}

// Scan implements Scanner.
func (s *ChainScanner) Scan() Result {
	commit := s.ring.Commit()
	if !commit.Consistent(s.ring.Geometry) {
		return Result{Wait: chainRaceWait}
	}
	end := s.ring.Move(s.ring.Offset, int(commit.Commit))

	if !s.started {
		s.prevEnd = end
		s.started = true
		return Result{Wait: chainIdleWait}
	}
	if end == s.prevEnd {
		return Result{Wait: chainIdleWait}
	}

	walked, ok := s.walk(end)
	if !ok {
		s.prevEnd = end
		return Result{SyncLost: true}
	}

	last := walked[len(walked)-1]
	s.prevEnd = last.addr

	frames := make([]frame.Frame, 0, len(walked)-1)
	for _, e := range walked[:len(walked)-1] {
		f, ok := s.parse(e)
		if ok {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		return Result{Wait: chainIdleWait}
	}
	return Result{Frames: frames}
}

// walk returns the headers between prevEnd and end. The last entry is the
// frame that reaches or crosses end.
func (s *ChainScanner) walk(end int) ([]chainEntry, bool) {
	span := s.ring.Span()
	addr := s.prevEnd
	remaining := s.ring.Distance(addr, end)

	var walked []chainEntry
	for remaining > 0 {
		if len(walked) == MaxBatch {
			s.logger.Warn().Src("demux").Msgf("more than %d frames in one poll, sync lost", MaxBatch)
			return nil, false
		}

		h, err := frame.Decode(s.ring, addr, s.headerSize)
		if err != nil {
			return nil, false
		}
		size := s.headerSize + int(h.Length)
		if size >= span {
			s.logger.Warn().Src("demux").Msgf("invalid frame length: %d, sync lost", h.Length)
			return nil, false
		}

		walked = append(walked, chainEntry{addr: addr, header: h})
		if size >= remaining {
			break
		}
		addr = s.ring.Move(addr, size)
		remaining -= size
	}
	return walked, true
}

func (s *ChainScanner) parse(e chainEntry) (frame.Frame, bool) {
	h := e.header
	stream, ok := h.Stream()
	if !ok {
		s.logger.Debug().Src("demux").Msgf("unknown stream type: %#04x", h.StreamType)
		return frame.Frame{}, false
	}

	kind := h.Kind()
	gap := 0
	if kind == frame.KindSPS {
		gap = frame.SPSHeaderGap
	}

	length := int(h.Length) - gap
	if length <= 0 {
		return frame.Frame{}, false
	}
	addr := s.ring.Move(e.addr, s.headerSize+gap)

	if stream.IsVideo() && length > len(frame.NALStart) &&
		s.ring.HasPrefix(addr, frame.NALStart) {
		nalHeader := make([]byte, 1)
		if err := s.ring.Copy(nalHeader, s.ring.Move(addr, len(frame.NALStart))); err == nil {
			if k := frame.NALKind(s.codec, nalHeader[0]); k != frame.KindUnknown {
				kind = k
			}
		}
	}

	return frame.Frame{
		Stream:  stream,
		Kind:    kind,
		Counter: h.StreamCounter,
		Addr:    addr,
		Len:     length,
	}, true
}
