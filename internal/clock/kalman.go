package clock

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrOutlier = errors.New("offset measurement rejected as outlier")

// Measurement is one observation of a reference clock.
type Measurement struct {
	Source     string
	ServerTime int64         // reference wall clock, Unix ms, when it answered
	LocalTime  time.Time     // local instant the answer arrived
	RoundTrip  time.Duration // request round trip
}

// OffsetMs is the reference-minus-local offset this measurement implies,
// assuming the answer was produced halfway through the round trip.
func (m Measurement) OffsetMs() float64 {
	return float64(m.ServerTime) + msOf(m.RoundTrip)/2 - unixMs(m.LocalTime)
}

// FilterConfig holds the Kalman tuning constants.
type FilterConfig struct {
	// ProcessNoise is the expected offset drift variance per second (ms²/s).
	ProcessNoise float64
	// MeasurementNoise is the variance floor of a zero-RTT measurement (ms²).
	MeasurementNoise float64
	// RTTWeight scales RTT² into additional measurement variance.
	RTTWeight float64
	// MaxOffsetJump rejects measurements this far from the estimate.
	MaxOffsetJump time.Duration
	// MaxAbsOffset rejects any measurement implying a larger offset.
	MaxAbsOffset time.Duration
	// JitterReference is the innovation spread at which calibration runs
	// at its minimum interval.
	JitterReference time.Duration
	// ReseedAfter consecutive jump rejections that agree within
	// ReseedTolerance replace the estimate.
	ReseedAfter     int
	ReseedTolerance time.Duration
}

// DefaultFilterConfig returns the tuning used when nothing is configured.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		ProcessNoise:     0.05,
		MeasurementNoise: 4,
		RTTWeight:        0.25,
		MaxOffsetJump:    5 * time.Second,
		MaxAbsOffset:     time.Hour,
		JitterReference:  20 * time.Millisecond,
		ReseedAfter:      3,
		ReseedTolerance:  250 * time.Millisecond,
	}
}

// Filter is a one-dimensional Kalman filter over the wall-clock offset.
type Filter struct {
	cfg FilterConfig

	offset      float64 // ms
	variance    float64 // ms²
	jitter      float64 // EWMA of innovation², ms²
	initialized bool
	updates     int
	rejected    int
	reseeds     int
	lastUpdate  time.Time

	// Consecutive jump rejections that agree with each other.
	suspects []float64
}

// NewFilter creates an uninitialised filter.
func NewFilter(cfg FilterConfig) *Filter {
	def := DefaultFilterConfig()
	if cfg.ProcessNoise <= 0 {
		cfg.ProcessNoise = def.ProcessNoise
	}
	if cfg.MeasurementNoise <= 0 {
		cfg.MeasurementNoise = def.MeasurementNoise
	}
	if cfg.RTTWeight <= 0 {
		cfg.RTTWeight = def.RTTWeight
	}
	if cfg.MaxOffsetJump <= 0 {
		cfg.MaxOffsetJump = def.MaxOffsetJump
	}
	if cfg.MaxAbsOffset <= 0 {
		cfg.MaxAbsOffset = def.MaxAbsOffset
	}
	if cfg.JitterReference <= 0 {
		cfg.JitterReference = def.JitterReference
	}
	if cfg.ReseedAfter <= 0 {
		cfg.ReseedAfter = def.ReseedAfter
	}
	if cfg.ReseedTolerance <= 0 {
		cfg.ReseedTolerance = def.ReseedTolerance
	}
	return &Filter{cfg: cfg}
}

// Update folds m into the estimate. Outliers leave the state untouched and
// return ErrOutlier.
func (f *Filter) Update(m Measurement) error {
	z := m.OffsetMs()
	rtt := msOf(m.RoundTrip)
	r := f.cfg.MeasurementNoise + f.cfg.RTTWeight*rtt*rtt

	if math.Abs(z) > msOf(f.cfg.MaxAbsOffset) {
		f.rejected++
		return fmt.Errorf("%w: offset %.0fms beyond absolute bound", ErrOutlier, z)
	}

	if !f.initialized {
		f.seed(z, r, m.LocalTime)
		return nil
	}

	innovation := z - f.offset
	if math.Abs(innovation) > msOf(f.cfg.MaxOffsetJump) {
		if f.suspect(z) {
			f.seed(mean(f.suspects), r, m.LocalTime)
			f.reseeds++
			return nil
		}
		f.rejected++
		return fmt.Errorf("%w: %.0fms from estimate", ErrOutlier, innovation)
	}
	f.suspects = f.suspects[:0]

	dt := m.LocalTime.Sub(f.lastUpdate).Seconds()
	if dt < 0 {
		dt = 0
	}
	p := f.variance + f.cfg.ProcessNoise*dt
	k := p / (p + r)

	f.offset += k * innovation
	f.variance = (1 - k) * p
	f.jitter = 0.8*f.jitter + 0.2*innovation*innovation
	f.updates++
	f.lastUpdate = m.LocalTime
	return nil
}

func (f *Filter) seed(z, r float64, at time.Time) {
	f.offset = z
	f.variance = r
	f.jitter = 0
	f.initialized = true
	f.updates++
	f.lastUpdate = at
	f.suspects = f.suspects[:0]
}

// suspect records a rejected offset and reports whether enough agreeing
// rejections have piled up to distrust the current estimate instead.
func (f *Filter) suspect(z float64) bool {
	if len(f.suspects) > 0 && math.Abs(z-mean(f.suspects)) > msOf(f.cfg.ReseedTolerance) {
		f.suspects = f.suspects[:0]
	}
	f.suspects = append(f.suspects, z)
	return len(f.suspects) >= f.cfg.ReseedAfter
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// NextInterval maps recent jitter onto [min, max]: a quiet clock is
// checked rarely, a noisy one often.
func (f *Filter) NextInterval(min, max time.Duration) time.Duration {
	if !f.initialized || f.updates < 2 {
		return min
	}
	ratio := math.Sqrt(f.jitter) / msOf(f.cfg.JitterReference)
	ratio = math.Max(0, math.Min(1, ratio))
	return max - time.Duration(float64(max-min)*ratio)
}

// Offset is a snapshot of the filter state.
type Offset struct {
	Ms          float64
	Variance    float64
	JitterMs    float64
	Initialized bool
	Updates     int
	Rejected    int
	Reseeds     int
	UpdatedAt   time.Time
}

func (f *Filter) snapshot() Offset {
	return Offset{
		Ms:          f.offset,
		Variance:    f.variance,
		JitterMs:    math.Sqrt(f.jitter),
		Initialized: f.initialized,
		Updates:     f.updates,
		Rejected:    f.rejected,
		Reseeds:     f.reseeds,
		UpdatedAt:   f.lastUpdate,
	}
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func unixMs(t time.Time) float64 {
	return float64(t.UnixMilli()) + float64(t.Nanosecond()%int(time.Millisecond))/float64(time.Millisecond)
}
