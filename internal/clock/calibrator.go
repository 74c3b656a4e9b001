package clock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMinInterval      = 5 * time.Second
	DefaultMaxInterval      = 60 * time.Second
	DefaultRequestTimeout   = 3 * time.Second
	DefaultPeerSampleMaxAge = 30 * time.Second
)

var (
	ErrNoSample          = errors.New("no fresh clock sample")
	ErrCalibrationFailed = errors.New("all calibration sources failed")
)

// Source produces one reference-clock measurement.
type Source interface {
	Name() string
	Measure(ctx context.Context) (Measurement, error)
}

type sourceFunc struct {
	name string
	fn   func(ctx context.Context) (Measurement, error)
}

func (s sourceFunc) Name() string { return s.name }

func (s sourceFunc) Measure(ctx context.Context) (Measurement, error) {
	m, err := s.fn(ctx)
	if m.Source == "" {
		m.Source = s.name
	}
	return m, err
}

// SourceFunc adapts fn into a named Source.
func SourceFunc(name string, fn func(ctx context.Context) (Measurement, error)) Source {
	return sourceFunc{name: name, fn: fn}
}

// PeerSamples keeps the freshest peer clock observation. Remote timestamps
// are the peer's synchronized wall clock at the moment it answered a probe.
type PeerSamples struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.Mutex
	latest *Measurement
	peer   string
	used   bool
}

// NewPeerSamples creates a store that discards samples older than maxAge.
func NewPeerSamples(maxAge time.Duration, now func() time.Time) *PeerSamples {
	if maxAge <= 0 {
		maxAge = DefaultPeerSampleMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &PeerSamples{maxAge: maxAge, now: now}
}

// Observe records a sample from peer.
func (s *PeerSamples) Observe(peer string, remoteMs int64, receivedAt time.Time, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && receivedAt.Before(s.latest.LocalTime) {
		return
	}
	s.latest = &Measurement{
		Source:     "peer",
		ServerTime: remoteMs,
		LocalTime:  receivedAt,
		RoundTrip:  rtt,
	}
	s.peer = peer
	s.used = false
}

// Forget drops the stored sample if it came from peer.
func (s *PeerSamples) Forget(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == peer {
		s.latest = nil
		s.peer = ""
	}
}

func (s *PeerSamples) Name() string { return "peer" }

// Measure returns the freshest sample, or ErrNoSample. Each sample is
// handed out once.
func (s *PeerSamples) Measure(context.Context) (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil || s.used || s.now().Sub(s.latest.LocalTime) > s.maxAge {
		return Measurement{}, ErrNoSample
	}
	s.used = true
	return *s.latest, nil
}

// CalibratorOptions configure a Calibrator. Zero durations select defaults.
type CalibratorOptions struct {
	Primary     Source
	Secondary   Source
	MinInterval time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Calibrator periodically measures the offset and feeds it to an Estimator.
type Calibrator struct {
	est     *Estimator
	sources []Source
	min     time.Duration
	max     time.Duration
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	failed int
}

// NewCalibrator creates a calibrator for est.
func NewCalibrator(est *Estimator, opts CalibratorOptions) *Calibrator {
	c := &Calibrator{
		est:     est,
		min:     opts.MinInterval,
		max:     opts.MaxInterval,
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
	for _, src := range []Source{opts.Primary, opts.Secondary} {
		if src != nil {
			c.sources = append(c.sources, src)
		}
	}
	if c.min <= 0 {
		c.min = DefaultMinInterval
	}
	if c.max <= 0 {
		c.max = DefaultMaxInterval
	}
	if c.max < c.min {
		c.max = c.min
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// CalibrateOnce tries each source in order until one produces an accepted
// measurement. When all fail the estimator keeps its previous offset.
func (c *Calibrator) CalibrateOnce(ctx context.Context) error {
	var errs []error
	for _, src := range c.sources {
		err := c.try(ctx, src)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Debug("calibration source failed", "source", src.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}

	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrCalibrationFailed, errors.Join(errs...))
}

func (c *Calibrator) try(ctx context.Context, src Source) error {
	mctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	m, err := src.Measure(mctx)
	if err != nil {
		return err
	}
	return c.est.Apply(m)
}

// Failures returns how many rounds exhausted every source.
func (c *Calibrator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Run calibrates immediately and then at the adaptive interval until ctx is
// done. Individual failures are logged, never returned.
func (c *Calibrator) Run(ctx context.Context) error {
	if len(c.sources) == 0 {
		<-ctx.Done()
		return nil
	}

	for {
		if err := c.CalibrateOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("clock calibration failed, keeping previous offset", "error", err)
		}

		wait := c.est.NextInterval(c.min, c.max)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
