// Package audio provides the rendering side of the client: a monotonic
// audio clock and sinks that turn "play at T" into something audible.
package audio

import (
	"log/slog"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

// SystemClock is a monotonic clock in seconds since it was created. It is
// always ready.
type SystemClock struct {
	start time.Time
}

// NewSystemClock starts a clock at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns seconds since start.
func (c *SystemClock) Now() (float64, bool) {
	return time.Since(c.start).Seconds(), true
}

// WallAt converts an instant on this clock into wall time.
func (c *SystemClock) WallAt(seconds float64) time.Time {
	return c.start.Add(time.Duration(seconds * float64(time.Second)))
}

// LogSink logs renders when no synth is attached.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) RenderAt(ev wire.Event, at float64) {
	s.log.Info("render", "at", at, "type", ev.Type, "instrument", ev.Instrument, "target", ev.Target(), "peer", ev.SenderID)
}

func (s *LogSink) RenderNow(ev wire.Event) {
	s.log.Info("render now", "type", ev.Type, "instrument", ev.Instrument, "target", ev.Target(), "peer", ev.SenderID)
}
