// Package clock maintains the room-relative timeline every peer shares and
// calibrates the local wall clock against a reference.
//
// Room time is seconds since the room's origin timestamp, measured on the
// synchronized wall clock (local time plus the smoothed offset). The
// Estimator is safe for concurrent use: the session loop reads it while the
// calibrator goroutine writes it.
package clock

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrClockNotReady = errors.New("room origin not set")

// EstimatorOptions configure an Estimator.
type EstimatorOptions struct {
	Filter FilterConfig
	Now    func() time.Time
	Logger *slog.Logger
}

// Estimator is the room clock plus wall-clock offset.
type Estimator struct {
	now func() time.Time
	log *slog.Logger

	mu        sync.Mutex
	origin    int64
	hasOrigin bool
	filter    *Filter
	lastRoom  float64
}

// NewEstimator creates an estimator with a zero offset and no origin.
func NewEstimator(opts EstimatorOptions) *Estimator {
	e := &Estimator{
		now:    opts.Now,
		log:    opts.Logger,
		filter: NewFilter(opts.Filter),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// SetRoomOrigin fixes the room origin (Unix ms). Only the first call takes
// effect; it reports whether this call set it.
func (e *Estimator) SetRoomOrigin(ts int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasOrigin {
		if ts != e.origin {
			e.log.Warn("ignoring conflicting room origin", "origin", e.origin, "got", ts)
		}
		return false
	}
	e.origin = ts
	e.hasOrigin = true
	return true
}

// Origin returns the room origin, if set.
func (e *Estimator) Origin() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.origin, e.hasOrigin
}

// Ready reports whether room time is meaningful.
func (e *Estimator) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasOrigin
}

// SyncedNowMs is the local wall clock corrected by the smoothed offset.
func (e *Estimator) SyncedNowMs() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncedNowMs()
}

func (e *Estimator) syncedNowMs() float64 {
	return unixMs(e.now()) + e.filter.offset
}

// SyncedUnixMilli is SyncedNowMs truncated for wire timestamps.
func (e *Estimator) SyncedUnixMilli() int64 {
	return int64(e.SyncedNowMs())
}

// RoomTime returns seconds since the room origin. It never decreases, even
// when calibration pulls the offset backwards. Before an origin is set it
// returns 0.
func (e *Estimator) RoomTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasOrigin {
		return 0
	}
	rt := (e.syncedNowMs() - float64(e.origin)) / 1000
	if rt < e.lastRoom {
		return e.lastRoom
	}
	e.lastRoom = rt
	return rt
}

// Apply folds a calibration measurement into the offset. A rejected
// measurement leaves the previous offset in place.
func (e *Estimator) Apply(m Measurement) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.filter.offset
	reseeds := e.filter.reseeds
	if err := e.filter.Update(m); err != nil {
		return err
	}
	if e.filter.reseeds != reseeds {
		e.log.Warn("clock offset reseeded", "source", m.Source, "from_ms", before, "offset_ms", e.filter.offset)
		return nil
	}
	e.log.Debug("clock offset updated",
		"source", m.Source,
		"offset_ms", e.filter.offset,
		"delta_ms", e.filter.offset-before,
		"rtt_ms", msOf(m.RoundTrip),
	)
	return nil
}

// Offset returns the current offset snapshot.
func (e *Estimator) Offset() Offset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter.snapshot()
}

// NextInterval returns the adaptive calibration interval.
func (e *Estimator) NextInterval(min, max time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter.NextInterval(min, max)
}
