// SPDX-License-Identifier: GPL-2.0-or-later

// Package demux follows the producer through the input ring, validates
// frames and their counters, and hands accepted frames to the emitter.
package demux

import (
	"context"
	"errors"
	"sync"
	"time"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
	"shmrelay/pkg/outring"
	"shmrelay/pkg/sps"
)

// Observer is notified of every frame that passed the counter check,
// whether or not the stream is relayed.
type Observer interface {
	Observe(frame.Frame)
}

// StreamStats per stream counters.
type StreamStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Emitted  uint64 `json:"emitted"`
	Dropped  uint64 `json:"dropped"`
	Lost     uint64 `json:"lost"`
	Resyncs  uint64 `json:"resyncs"`

	LastValid *uint16 `json:"lastValid"`
}

// Stats demuxer counters.
type Stats struct {
	Streams    map[string]StreamStats `json:"streams"`
	SyncLosses uint64                 `json:"syncLosses"`
}

// Demuxer runs a scanner and routes its frames.
type Demuxer struct {
	scanner   Scanner
	policies  [3]Policy
	emitter   *Emitter
	observers []Observer

	stats      [3]StreamStats
	syncLosses uint64
	mu         sync.Mutex

	logger *log.Logger
}

// NewDemuxer returns a demuxer with one policy per stream.
func NewDemuxer(
	scanner Scanner,
	policy PolicyName,
	emitter *Emitter,
	logger *log.Logger,
	observers ...Observer,
) (*Demuxer, error) {
	d := &Demuxer{
		scanner:   scanner,
		emitter:   emitter,
		observers: observers,
		logger:    logger,
	}
	for i := range d.policies {
		p, err := NewPolicy(policy)
		if err != nil {
			return nil, err
		}
		d.policies[i] = p
	}
	return d, nil
}

// Run polls the scanner until the context is canceled.
func (d *Demuxer) Run(ctx context.Context) {
	d.logger.Info().Src("demux").Msg("starting capture loop")
	for {
		if ctx.Err() != nil {
			return
		}
		wait := d.Poll()
		if wait == 0 {
			continue
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// Poll runs a single scan and returns how long to wait before the next.
func (d *Demuxer) Poll() time.Duration {
	res := d.scanner.Scan()
	if res.SyncLost {
		d.mu.Lock()
		d.syncLosses++
		d.mu.Unlock()
	}

	for _, f := range res.Frames {
		d.route(f)
	}
	if len(res.Frames) != 0 {
		return 0
	}
	return res.Wait
}

func (d *Demuxer) route(f frame.Frame) {
	d.mu.Lock()
	policy := d.policies[f.Stream]
	v := policy.Check(f.Counter)
	last, _ := policy.LastValid()
	stats := &d.stats[f.Stream]
	stats.Lost += uint64(v.Lost)
	if v.Resync {
		stats.Resyncs++
	}
	if v.Accept {
		stats.Accepted++
	} else {
		stats.Rejected++
	}
	d.mu.Unlock()

	if v.Lost > 0 {
		d.logger.Warn().Src("demux").Stream(f.Stream).
			Msgf("lost %d frames before counter %d", v.Lost, f.Counter)
	}
	if v.Resync {
		d.logger.Error().Src("demux").Stream(f.Stream).
			Msgf("sync lost, new frame counter baseline: %d", f.Counter)
	}
	if !v.Accept {
		d.logger.Debug().Src("demux").Stream(f.Stream).
			Msgf("incorrect frame counter: %d, last valid: %d", f.Counter, last)
		return
	}

	d.logger.Debug().Src("demux").Stream(f.Stream).
		Msgf("%v detected, length: %d, counter: %d", f.Kind, f.Len, f.Counter)

	for _, o := range d.observers {
		o.Observe(f)
	}

	err := d.emitter.Emit(f)

	d.mu.Lock()
	if err == nil {
		stats.Emitted++
	} else {
		stats.Dropped++
	}
	d.mu.Unlock()

	switch {
	case err == nil, errors.Is(err, ErrNotSynced):
	case errors.Is(err, outring.ErrFrameTooLarge):
		d.logger.Error().Src("demux").Stream(f.Stream).Msgf("%v, waiting for next sps", err)
	case errors.Is(err, sps.ErrUnknownSPS):
		d.logger.Warn().Src("demux").Stream(f.Stream).Msgf("unexpected NALU header: %v", err)
	default:
		d.logger.Error().Src("demux").Stream(f.Stream).Msgf("could not emit %v: %v", f.Kind, err)
	}
}

// LastValid returns the last accepted counter of the stream.
func (d *Demuxer) LastValid(stream frame.Stream) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policies[stream].LastValid()
}

// Stats returns a snapshot of the counters.
func (d *Demuxer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Streams:    make(map[string]StreamStats, len(d.stats)),
		SyncLosses: d.syncLosses,
	}
	for _, stream := range frame.Streams {
		stats := d.stats[stream]
		if last, ok := d.policies[stream].LastValid(); ok {
			stats.LastValid = &last
		}
		s.Streams[stream.String()] = stats
	}
	return s
}
