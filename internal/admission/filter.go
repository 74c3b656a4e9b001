// Package admission decides whether an inbound jam event should be played.
//
// Events arrive unordered and may be duplicated or late. The filter rejects
// exact duplicates, events older than the staleness bound, and noteOn
// retriggers that land too close together on the same instrument voice.
// It is owned by the session loop and is not safe for concurrent use.
package admission

import (
	"log/slog"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

const (
	DefaultStaleAfter = 1500 * time.Millisecond
	DefaultSpacing    = 30 * time.Millisecond
	DefaultWindow     = 5 * time.Second
	DefaultPruneEvery = 250 * time.Millisecond
)

// Decision is the outcome of one admission check.
type Decision int

const (
	Accepted Decision = iota
	Duplicate
	Stale
	Overlap
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Overlap:
		return "overlap"
	default:
		return "unknown"
	}
}

// Config holds the admission bounds. Zero values select the defaults.
type Config struct {
	StaleAfter time.Duration
	Spacing    time.Duration
	Window     time.Duration
	PruneEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Spacing <= 0 {
		c.Spacing = DefaultSpacing
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = DefaultPruneEvery
	}
	return c
}

type eventKey struct {
	sender   string
	roomTime float64
	kind     wire.Kind
	target   string
}

type voiceKey struct {
	instrument string
	target     string
}

type voice struct {
	roomTime float64
	seenAt   time.Time
}

// Filter is the admission window.
type Filter struct {
	cfg     Config
	roomNow func() float64
	now     func() time.Time
	log     *slog.Logger

	seen      map[eventKey]time.Time
	voices    map[voiceKey]voice
	lastPrune time.Time
	stats     Stats
}

// Options carry the filter's collaborators.
type Options struct {
	// RoomNow returns the synchronized room time in seconds.
	RoomNow func() float64
	Now     func() time.Time
	Logger  *slog.Logger
}

// New creates a filter.
func New(cfg Config, opts Options) *Filter {
	f := &Filter{
		cfg:     cfg.withDefaults(),
		roomNow: opts.RoomNow,
		now:     opts.Now,
		log:     opts.Logger,
		seen:    make(map[eventKey]time.Time),
		voices:  make(map[voiceKey]voice),
		stats:   Stats{Jitter: newHistogram()},
	}
	if f.roomNow == nil {
		f.roomNow = func() float64 { return 0 }
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f
}

// ShouldPlay reports whether ev passes every check. An accepted event is
// recorded so an identical copy is rejected later.
func (f *Filter) ShouldPlay(ev wire.Event) bool {
	return f.Admit(ev) == Accepted
}

// Admit runs the checks in order and returns the first failing reason.
func (f *Filter) Admit(ev wire.Event) Decision {
	now := f.now()
	age := time.Duration((f.roomNow() - ev.RoomTime) * float64(time.Second))
	f.stats.Jitter.observe(age)

	d := f.decide(ev, age)
	switch d {
	case Accepted:
		f.stats.Accepted++
	case Duplicate:
		f.stats.Duplicate++
	case Stale:
		f.stats.Stale++
	case Overlap:
		f.stats.Overlap++
	}
	if d != Accepted {
		f.log.Debug("event filtered", "reason", d.String(), "peer", ev.SenderID, "type", ev.Type, "age_ms", age.Milliseconds())
		return d
	}

	target := ev.Target()
	f.seen[eventKey{ev.SenderID, ev.RoomTime, ev.Type, target}] = now
	if ev.Type == wire.KindNoteOn {
		f.voices[voiceKey{ev.Instrument, target}] = voice{roomTime: ev.RoomTime, seenAt: now}
	}
	f.maybePrune(now)
	return Accepted
}

func (f *Filter) decide(ev wire.Event, age time.Duration) Decision {
	target := ev.Target()
	if _, dup := f.seen[eventKey{ev.SenderID, ev.RoomTime, ev.Type, target}]; dup {
		return Duplicate
	}
	if age > f.cfg.StaleAfter {
		return Stale
	}
	if ev.Type == wire.KindNoteOn {
		if last, ok := f.voices[voiceKey{ev.Instrument, target}]; ok {
			gap := time.Duration((ev.RoomTime - last.roomTime) * float64(time.Second))
			if gap < 0 {
				gap = -gap
			}
			if gap < f.cfg.Spacing {
				return Overlap
			}
		}
	}
	return Accepted
}

func (f *Filter) maybePrune(now time.Time) {
	if now.Sub(f.lastPrune) < f.cfg.PruneEvery {
		return
	}
	f.lastPrune = now
	cutoff := now.Add(-f.cfg.Window)
	for k, at := range f.seen {
		if at.Before(cutoff) {
			delete(f.seen, k)
		}
	}
	for k, v := range f.voices {
		if v.seenAt.Before(cutoff) {
			delete(f.voices, k)
		}
	}
}

// Len returns the number of remembered events.
func (f *Filter) Len() int {
	return len(f.seen)
}

// Stats returns a copy of the diagnostics counters.
func (f *Filter) Stats() Stats {
	s := f.stats
	s.Jitter = f.stats.Jitter.clone()
	return s
}
