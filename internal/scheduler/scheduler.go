// Package scheduler converts an admitted event's room time into an instant
// on the local audio clock and hands it to the render sink.
package scheduler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

const (
	DefaultSafetyOffset       = 3 * time.Millisecond
	DefaultImmediateThreshold = 1 * time.Millisecond
	DefaultPercussiveBias     = 2 * time.Millisecond
)

// AudioClock is the rendering clock. ready is false while the audio device
// is unavailable; the scheduler then plays everything immediately.
type AudioClock interface {
	Now() (seconds float64, ready bool)
}

// Sink renders events.
type Sink interface {
	RenderAt(ev wire.Event, at float64)
	RenderNow(ev wire.Event)
}

// RoomClock is the shared timeline.
type RoomClock interface {
	RoomTime() float64
	Ready() bool
}

// LatencyFunc returns the one-way latency estimate for a peer.
type LatencyFunc func(peerID string) time.Duration

// Config tunes target computation. Zero durations select the defaults.
type Config struct {
	SafetyOffset       time.Duration
	ImmediateThreshold time.Duration
	PercussiveBias     time.Duration
	// Percussive lists instrument names (case-insensitive) that play early
	// by PercussiveBias.
	Percussive []string
}

// Target is the outcome of one scheduling decision.
type Target struct {
	At        float64
	Immediate bool
	Clamped   bool
}

// ComputeTargetTime returns the audio-clock instant for an event. bias is
// subtracted before clamping, so it can pull a target earlier but never
// into the past.
func ComputeTargetTime(eventRoomTime, currentRoomTime, audioNow float64, latency, safety, bias, immediate time.Duration) Target {
	delta := eventRoomTime - currentRoomTime
	at := audioNow + delta + latency.Seconds() + safety.Seconds() - bias.Seconds()

	t := Target{At: at}
	if at < audioNow {
		t.At = audioNow
		t.Clamped = true
	}
	if t.At-audioNow <= immediate.Seconds() {
		t.Immediate = true
	}
	return t
}

// Stats counts scheduling outcomes.
type Stats struct {
	Scheduled int
	Immediate int
	Clamped   int
	Degraded  int
}

// Scheduler maps room time onto the audio clock.
type Scheduler struct {
	selfID  string
	cfg     Config
	room    RoomClock
	audio   AudioClock
	sink    Sink
	latency LatencyFunc
	wallNow func() int64
	log     *slog.Logger

	percussive map[string]struct{}
	stats      Stats
}

// Options carry the scheduler's collaborators.
type Options struct {
	SelfID  string
	Room    RoomClock
	Audio   AudioClock
	Sink    Sink
	Latency LatencyFunc
	// WallNow stamps outbound events (Unix ms).
	WallNow func() int64
	Logger  *slog.Logger
}

// New creates a scheduler.
func New(cfg Config, opts Options) *Scheduler {
	if cfg.SafetyOffset <= 0 {
		cfg.SafetyOffset = DefaultSafetyOffset
	}
	if cfg.ImmediateThreshold <= 0 {
		cfg.ImmediateThreshold = DefaultImmediateThreshold
	}
	if cfg.PercussiveBias < 0 {
		cfg.PercussiveBias = 0
	}
	s := &Scheduler{
		selfID:     opts.SelfID,
		cfg:        cfg,
		room:       opts.Room,
		audio:      opts.Audio,
		sink:       opts.Sink,
		latency:    opts.Latency,
		wallNow:    opts.WallNow,
		log:        opts.Logger,
		percussive: make(map[string]struct{}, len(cfg.Percussive)),
	}
	for _, name := range cfg.Percussive {
		s.percussive[strings.ToLower(name)] = struct{}{}
	}
	if s.latency == nil {
		s.latency = func(string) time.Duration { return 0 }
	}
	if s.wallNow == nil {
		s.wallNow = func() int64 { return time.Now().UnixMilli() }
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Scheduler) bias(instrument string) time.Duration {
	if _, ok := s.percussive[strings.ToLower(instrument)]; ok {
		return s.cfg.PercussiveBias
	}
	return 0
}

// Schedule renders a remote event at its compensated instant. Anything
// that makes compensation impossible degrades to immediate playback.
func (s *Scheduler) Schedule(ev wire.Event) Target {
	audioNow, ready := s.audio.Now()
	if !ready || !s.room.Ready() {
		s.stats.Degraded++
		s.stats.Immediate++
		s.sink.RenderNow(ev)
		return Target{At: audioNow, Immediate: true}
	}

	t := ComputeTargetTime(
		ev.RoomTime,
		s.room.RoomTime(),
		audioNow,
		s.latency(ev.SenderID),
		s.cfg.SafetyOffset,
		s.bias(ev.Instrument),
		s.cfg.ImmediateThreshold,
	)

	s.stats.Scheduled++
	if t.Clamped {
		s.stats.Clamped++
	}
	if t.Immediate {
		s.stats.Immediate++
		s.sink.RenderNow(ev)
		return t
	}
	s.sink.RenderAt(ev, t.At)
	return t
}

// Stamp builds an outbound note event at the current room time.
func (s *Scheduler) Stamp(instrument string, note wire.Note, kind wire.Kind, velocity uint8) wire.Event {
	return s.StampEvent(wire.Event{
		Type:       kind,
		Instrument: instrument,
		Note:       &note,
		Velocity:   velocity,
	})
}

// StampEvent fills in room time, sender, and send timestamp.
func (s *Scheduler) StampEvent(ev wire.Event) wire.Event {
	ev.SenderID = s.selfID
	ev.RoomTime = s.room.RoomTime()
	ev.Timestamp = s.wallNow()
	return ev
}

// PlayLocal renders the local echo with no compensation.
func (s *Scheduler) PlayLocal(ev wire.Event) {
	s.sink.RenderNow(ev)
}

// Stats returns scheduling counters.
func (s *Scheduler) Stats() Stats {
	return s.stats
}
