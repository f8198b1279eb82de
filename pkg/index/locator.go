// SPDX-License-Identifier: GPL-2.0-or-later

package index

import (
	"context"
	"sync"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
)

// Locator follows the accepted frames of both video streams and saves
// the index whenever a new complete keyframe set differs from the last
// queued one. Observe never touches the file system, the latest index is
// handed to Run through a single slot that drops older values.
type Locator struct {
	path  string
	order []frame.Kind

	// Position in order per video stream, 0 when waiting for
	// the first parameter set.
	pos     [2]int
	pending [2]Keyframe

	current Index
	queued  Index
	mu      sync.Mutex

	saves chan Index

	logger *log.Logger
}

// NewLocator returns a locator, an empty path disables the side file.
func NewLocator(path string, codec frame.Codec, logger *log.Logger) *Locator {
	order := []frame.Kind{frame.KindSPS, frame.KindPPS, frame.KindIDR}
	if codec == frame.CodecH265 {
		order = []frame.Kind{frame.KindVPS, frame.KindSPS, frame.KindPPS, frame.KindIDR}
	}
	return &Locator{
		path:    path,
		order:   order,
		current: Index{Codec: codec},
		queued:  Index{Codec: codec},
		saves:   make(chan Index, 1),
		logger:  logger,
	}
}

// Observe implements demux.Observer.
func (l *Locator) Observe(f frame.Frame) {
	if !f.Stream.IsVideo() {
		return
	}
	entry := Entry{Addr: int32(f.Addr), Len: int32(f.Len)}

	l.mu.Lock()
	defer l.mu.Unlock()

	i := f.Stream
	switch {
	case f.Kind == l.order[0]:
		l.pending[i] = Keyframe{}
		l.pos[i] = 0
	case l.pos[i] == 0 || f.Kind != l.order[l.pos[i]]:
		return
	}

	set(&l.pending[i], f.Kind, entry)
	l.pos[i]++
	if l.pos[i] < len(l.order) {
		return
	}

	l.pos[i] = 0
	*l.current.Keyframe(i) = l.pending[i]
	l.queue()
}

func set(k *Keyframe, kind frame.Kind, e Entry) {
	switch kind {
	case frame.KindSPS:
		k.SPS = e
	case frame.KindPPS:
		k.PPS = e
	case frame.KindVPS:
		k.VPS = e
	case frame.KindIDR:
		k.IDR = e
	}
}

// queue replaces the pending save, if any. Must hold the lock, which
// makes Observe the only sender.
func (l *Locator) queue() {
	if l.current == l.queued || l.path == "" {
		return
	}
	select {
	case <-l.saves:
	default:
	}
	l.saves <- l.current
	l.queued = l.current
}

// Run saves queued indexes until the context is canceled, a pending
// index is saved before returning.
func (l *Locator) Run(ctx context.Context) {
	for {
		select {
		case i := <-l.saves:
			l.save(i)
		case <-ctx.Done():
			select {
			case i := <-l.saves:
				l.save(i)
			default:
			}
			return
		}
	}
}

func (l *Locator) save(i Index) {
	if err := Save(l.path, i); err != nil {
		l.logger.Error().Src("index").Msgf("could not save index: %v", err)
	}
}

// Index returns the latest keyframe set of both streams.
func (l *Locator) Index() Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
