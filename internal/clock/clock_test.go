package clock

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFake() *fakeClock { return &fakeClock{t: time.UnixMilli(1_700_000_000_000)} }

// measure builds a measurement that implies offsetMs at the clock's now.
func measure(clk *fakeClock, offsetMs int64, rtt time.Duration) Measurement {
	return Measurement{
		Source:     "test",
		ServerTime: clk.Now().UnixMilli() + offsetMs - rtt.Milliseconds()/2,
		LocalTime:  clk.Now(),
		RoundTrip:  rtt,
	}
}

func TestRoomTimeAndOrigin(t *testing.T) {
	clk := newFake()
	est := NewEstimator(EstimatorOptions{Now: clk.Now})

	if est.Ready() || est.RoomTime() != 0 {
		t.Fatal("estimator should not be ready before an origin")
	}

	origin := clk.Now().UnixMilli()
	if !est.SetRoomOrigin(origin) {
		t.Fatal("first SetRoomOrigin should take effect")
	}
	if est.SetRoomOrigin(origin + 5000) {
		t.Fatal("second SetRoomOrigin should be ignored")
	}
	if got, _ := est.Origin(); got != origin {
		t.Fatalf("origin changed to %d", got)
	}

	clk.Advance(2500 * time.Millisecond)
	if got := est.RoomTime(); math.Abs(got-2.5) > 1e-9 {
		t.Errorf("expected room time 2.5, got %v", got)
	}
}

func TestRoomTimeNeverDecreases(t *testing.T) {
	clk := newFake()
	est := NewEstimator(EstimatorOptions{Now: clk.Now})
	est.SetRoomOrigin(clk.Now().UnixMilli())

	if err := est.Apply(measure(clk, 400, 0)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	clk.Advance(time.Second)
	before := est.RoomTime()

	// Pull the offset back hard; room time must hold.
	for range 20 {
		clk.Advance(time.Millisecond)
		if err := est.Apply(measure(clk, -400, 0)); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if got := est.RoomTime(); got < before {
			t.Fatalf("room time went backwards: %v < %v", got, before)
		}
	}
}

func TestFilterConvergesToTrueOffset(t *testing.T) {
	clk := newFake()
	f := NewFilter(FilterConfig{})

	for i := range 40 {
		noise := int64(10)
		if i%2 == 0 {
			noise = -10
		}
		if err := f.Update(measure(clk, 250+noise, 20*time.Millisecond)); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		clk.Advance(5 * time.Second)
	}

	if got := f.snapshot().Ms; math.Abs(got-250) > 5 {
		t.Errorf("expected offset near 250ms, got %.2f", got)
	}
}

func TestOutlierMeasurementRejected(t *testing.T) {
	clk := newFake()
	est := NewEstimator(EstimatorOptions{Now: clk.Now})

	for range 5 {
		if err := est.Apply(measure(clk, 100, 30*time.Millisecond)); err != nil {
			t.Fatalf("apply: %v", err)
		}
		clk.Advance(5 * time.Second)
	}
	before := est.Offset().Ms

	err := est.Apply(measure(clk, 100+7000, 30*time.Millisecond))
	if !errors.Is(err, ErrOutlier) {
		t.Fatalf("expected ErrOutlier, got %v", err)
	}
	if got := est.Offset().Ms; got != before {
		t.Errorf("outlier moved offset from %.3f to %.3f", before, got)
	}
	if est.Offset().Rejected != 1 {
		t.Errorf("expected one rejection, got %d", est.Offset().Rejected)
	}
}

func TestBadFirstSampleIsReseeded(t *testing.T) {
	clk := newFake()
	f := NewFilter(FilterConfig{})

	if err := f.Update(measure(clk, 30000, 20*time.Millisecond)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for range 50 {
		clk.Advance(5 * time.Second)
		f.Update(measure(clk, 0, 20*time.Millisecond))
	}

	got := f.snapshot()
	if math.Abs(got.Ms) > 5 {
		t.Errorf("expected offset near 0ms after agreeing samples, got %.2f", got.Ms)
	}
	if got.Reseeds != 1 {
		t.Errorf("expected one reseed, got %d", got.Reseeds)
	}
	if got.Rejected != 2 {
		t.Errorf("expected two rejections before the reseed, got %d", got.Rejected)
	}
}

func TestScatteredOutliersDoNotReseed(t *testing.T) {
	clk := newFake()
	f := NewFilter(FilterConfig{})
	if err := f.Update(measure(clk, 100, 20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	for _, off := range []int64{8000, 15000, 8000, 22000, 9000, 16000} {
		clk.Advance(5 * time.Second)
		if err := f.Update(measure(clk, off, 20*time.Millisecond)); !errors.Is(err, ErrOutlier) {
			t.Fatalf("offset %d: expected ErrOutlier, got %v", off, err)
		}
	}
	if got := f.snapshot(); got.Ms != 100 || got.Reseeds != 0 {
		t.Errorf("disagreeing outliers moved the estimate: %+v", got)
	}
}

func TestAcceptedSampleClearsSuspects(t *testing.T) {
	clk := newFake()
	f := NewFilter(FilterConfig{})
	f.Update(measure(clk, 100, 20*time.Millisecond))

	for _, off := range []int64{9000, 9000, 100, 9000, 9000} {
		clk.Advance(5 * time.Second)
		f.Update(measure(clk, off, 20*time.Millisecond))
	}
	if got := f.snapshot(); got.Reseeds != 0 || math.Abs(got.Ms-100) > 1 {
		t.Errorf("interrupted run of outliers should not reseed: %+v", got)
	}
}

func TestAbsoluteBoundAppliesBeforeInit(t *testing.T) {
	clk := newFake()
	f := NewFilter(FilterConfig{})

	if err := f.Update(measure(clk, int64(2*time.Hour/time.Millisecond), 0)); !errors.Is(err, ErrOutlier) {
		t.Fatalf("expected ErrOutlier, got %v", err)
	}
	if f.snapshot().Initialized {
		t.Error("rejected measurement must not initialise the filter")
	}
}

func TestHighRTTIsTrustedLess(t *testing.T) {
	clk := newFake()
	fast, slow := NewFilter(FilterConfig{}), NewFilter(FilterConfig{})
	for _, f := range []*Filter{fast, slow} {
		if err := f.Update(measure(clk, 0, 10*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(5 * time.Second)
	if err := fast.Update(measure(clk, 100, 10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := slow.Update(measure(clk, 100, 400*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if fast.snapshot().Ms <= slow.snapshot().Ms {
		t.Errorf("low-RTT sample should move the estimate more: fast=%.2f slow=%.2f",
			fast.snapshot().Ms, slow.snapshot().Ms)
	}
}

func TestIntervalAdaptsToJitter(t *testing.T) {
	const min, max = 5 * time.Second, 60 * time.Second
	clk := newFake()

	fresh := NewFilter(FilterConfig{})
	if got := fresh.NextInterval(min, max); got != min {
		t.Errorf("uninitialised filter should use min interval, got %v", got)
	}

	quiet := NewFilter(FilterConfig{})
	for range 5 {
		quiet.Update(measure(clk, 50, 0))
		clk.Advance(time.Second)
	}
	if got := quiet.NextInterval(min, max); got != max {
		t.Errorf("quiet clock should use max interval, got %v", got)
	}

	noisy := NewFilter(FilterConfig{})
	for i := range 10 {
		off := int64(50)
		if i%2 == 1 {
			off = 150
		}
		noisy.Update(measure(clk, off, 0))
		clk.Advance(time.Second)
	}
	if got := noisy.NextInterval(min, max); got != min {
		t.Errorf("noisy clock should use min interval, got %v", got)
	}
}

func TestCalibratorFallsBackToSecondary(t *testing.T) {
	clk := newFake()
	est := NewEstimator(EstimatorOptions{Now: clk.Now})

	hung := SourceFunc("hub", func(ctx context.Context) (Measurement, error) {
		<-ctx.Done()
		return Measurement{}, ctx.Err()
	})
	peers := NewPeerSamples(0, clk.Now)
	m := measure(clk, 80, 20*time.Millisecond)
	peers.Observe("alice", m.ServerTime, m.LocalTime, m.RoundTrip)

	cal := NewCalibrator(est, CalibratorOptions{
		Primary:   hung,
		Secondary: peers,
		Timeout:   10 * time.Millisecond,
	})
	if err := cal.CalibrateOnce(context.Background()); err != nil {
		t.Fatalf("expected peer fallback to succeed, got %v", err)
	}
	if got := est.Offset().Ms; math.Abs(got-80) > 1 {
		t.Errorf("expected offset ~80ms from peer sample, got %.2f", got)
	}
}

func TestCalibratorKeepsOffsetWhenAllFail(t *testing.T) {
	clk := newFake()
	est := NewEstimator(EstimatorOptions{Now: clk.Now})
	if err := est.Apply(measure(clk, 120, 0)); err != nil {
		t.Fatal(err)
	}

	failing := SourceFunc("hub", func(context.Context) (Measurement, error) {
		return Measurement{}, errors.New("connection refused")
	})
	cal := NewCalibrator(est, CalibratorOptions{
		Primary:   failing,
		Secondary: NewPeerSamples(0, clk.Now),
	})

	err := cal.CalibrateOnce(context.Background())
	if !errors.Is(err, ErrCalibrationFailed) || !errors.Is(err, ErrNoSample) {
		t.Fatalf("expected wrapped ErrCalibrationFailed and ErrNoSample, got %v", err)
	}
	if got := est.Offset().Ms; got != 120 {
		t.Errorf("offset should be retained at 120, got %.2f", got)
	}
	if cal.Failures() != 1 {
		t.Errorf("expected one failure, got %d", cal.Failures())
	}
}

func TestPeerSamplesExpire(t *testing.T) {
	clk := newFake()
	peers := NewPeerSamples(30*time.Second, clk.Now)
	peers.Observe("bob", clk.Now().UnixMilli(), clk.Now(), 10*time.Millisecond)

	if _, err := peers.Measure(context.Background()); err != nil {
		t.Fatalf("fresh sample should be available: %v", err)
	}
	clk.Advance(31 * time.Second)
	if _, err := peers.Measure(context.Background()); !errors.Is(err, ErrNoSample) {
		t.Errorf("expected ErrNoSample for stale sample, got %v", err)
	}

	peers.Observe("bob", clk.Now().UnixMilli(), clk.Now(), 10*time.Millisecond)
	peers.Forget("bob")
	if _, err := peers.Measure(context.Background()); !errors.Is(err, ErrNoSample) {
		t.Errorf("forgotten peer sample should be gone, got %v", err)
	}
}

func TestPeerSampleUsedOnce(t *testing.T) {
	clk := newFake()
	peers := NewPeerSamples(30*time.Second, clk.Now)
	peers.Observe("bob", clk.Now().UnixMilli(), clk.Now(), 10*time.Millisecond)

	if _, err := peers.Measure(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}
	clk.Advance(5 * time.Second)
	if _, err := peers.Measure(context.Background()); !errors.Is(err, ErrNoSample) {
		t.Fatalf("sample handed out twice: %v", err)
	}

	peers.Observe("bob", clk.Now().UnixMilli(), clk.Now(), 10*time.Millisecond)
	if _, err := peers.Measure(context.Background()); err != nil {
		t.Errorf("new sample should be available: %v", err)
	}
}

func TestCalibratorRunStopsOnCancel(t *testing.T) {
	est := NewEstimator(EstimatorOptions{})
	calls := make(chan struct{}, 4)
	src := SourceFunc("hub", func(context.Context) (Measurement, error) {
		calls <- struct{}{}
		return Measurement{ServerTime: time.Now().UnixMilli(), LocalTime: time.Now()}, nil
	})
	cal := NewCalibrator(est, CalibratorOptions{Primary: src, MinInterval: time.Hour, MaxInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cal.Run(ctx) }()

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("calibrator never measured")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
