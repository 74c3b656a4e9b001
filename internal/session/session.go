// Package session assembles one room client: the loop, clock estimator,
// latency probe, admission filter, bundler, scheduler and peer mesh, driven
// by signaling events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/admission"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/bundler"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/clock"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/latency"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/loop"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/mesh"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/scheduler"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

const (
	// ClientType is what this client advertises to the hub.
	ClientType = "cli"

	queryTimeout    = time.Second
	shutdownTimeout = 2 * time.Second
)

var (
	ErrClosed          = errors.New("session closed")
	ErrAlreadyRunning  = errors.New("session already running")
	ErrJoinRejected    = errors.New("hub rejected join")
	ErrSignalingClosed = errors.New("signaling connection lost")
	ErrMissingPart     = errors.New("session collaborator missing")
)

// errStopped ends the run group once Close was called.
var errStopped = errors.New("stopped")

// Signaling is the hub surface a session needs.
type Signaling interface {
	Join(roomID string, join signaling.JoinPayload) error
	Leave() error
	RequestTime(ctx context.Context) (signaling.TimeSample, error)
}

// Events are the typed hub notifications a session consumes.
type Events struct {
	RoomJoined <-chan *signaling.RoomJoinedPayload
	PeerJoined <-chan *signaling.PeerInfo
	PeerLeft   <-chan string
	Signal     <-chan *signaling.SignalMessage
	Error      <-chan string
}

// HandlerEvents exposes a signaling handler's channels as Events.
func HandlerEvents(h *signaling.Handler) Events {
	return Events{
		RoomJoined: h.RoomJoined,
		PeerJoined: h.PeerJoined,
		PeerLeft:   h.PeerLeft,
		Signal:     h.Signal,
		Error:      h.Error,
	}
}

// Transport opens peer channels and consumes relayed handshake signals.
type Transport interface {
	mesh.Transport
	HandleSignal(from string, payload signaling.SignalPayload)
	Forget(peerID string)
}

// Config holds identity and tuning. Zero tuning values select each
// component's default.
type Config struct {
	SelfID     string
	RoomID     string
	Name       string
	ClientType string
	// Codec forces one wire codec for every peer. Empty negotiates by
	// client type.
	Codec string

	ProbeInterval  time.Duration
	DefaultLatency time.Duration
	LatencyAlpha   float64
	BundleInterval time.Duration

	Admission admission.Config
	Scheduler scheduler.Config
	Filter    clock.FilterConfig

	CalibrationMin     time.Duration
	CalibrationMax     time.Duration
	CalibrationTimeout time.Duration
	PeerSampleMaxAge   time.Duration
}

// Options carry the session's collaborators.
type Options struct {
	Signaling Signaling
	Events    Events
	Transport Transport
	Audio     scheduler.AudioClock
	Sink      scheduler.Sink
	Now       func() time.Time
	Logger    *slog.Logger
}

// Session is one participant in a room.
type Session struct {
	cfg  Config
	sig  Signaling
	ev   Events
	tr   Transport
	log  *slog.Logger
	loop *loop.Loop

	clock      *clock.Estimator
	calibrator *clock.Calibrator
	peerClock  *clock.PeerSamples
	probe      *latency.Probe
	admission  *admission.Filter
	bundler    *bundler.Bundler
	scheduler  *scheduler.Scheduler
	mesh       *mesh.Coordinator

	forcedCodec wire.Codec

	// Loop-owned.
	clientTypes map[string]string

	subMu   sync.Mutex
	subs    map[uint64]func(wire.Event)
	nextSub uint64

	running   atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
	finished  chan struct{}
}

// New wires a session. Nothing touches the network until Run.
func New(cfg Config, opts Options) (*Session, error) {
	switch {
	case opts.Signaling == nil:
		return nil, fmt.Errorf("%w: signaling", ErrMissingPart)
	case opts.Transport == nil:
		return nil, fmt.Errorf("%w: transport", ErrMissingPart)
	case opts.Audio == nil:
		return nil, fmt.Errorf("%w: audio clock", ErrMissingPart)
	case opts.Sink == nil:
		return nil, fmt.Errorf("%w: render sink", ErrMissingPart)
	}
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("%w: room id", ErrMissingPart)
	}
	if cfg.SelfID == "" {
		cfg.SelfID = uuid.NewString()
	}
	if cfg.ClientType == "" {
		cfg.ClientType = ClientType
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("self", cfg.SelfID)

	s := &Session{
		cfg:         cfg,
		sig:         opts.Signaling,
		ev:          opts.Events,
		tr:          opts.Transport,
		log:         log,
		loop:        loop.New(),
		clientTypes: make(map[string]string),
		subs:        make(map[uint64]func(wire.Event)),
		closing:     make(chan struct{}),
		finished:    make(chan struct{}),
	}

	filterCfg := cfg.Filter
	if filterCfg == (clock.FilterConfig{}) {
		filterCfg = clock.DefaultFilterConfig()
	}
	s.clock = clock.NewEstimator(clock.EstimatorOptions{Filter: filterCfg, Now: opts.Now, Logger: log})
	s.peerClock = clock.NewPeerSamples(cfg.PeerSampleMaxAge, opts.Now)
	s.calibrator = clock.NewCalibrator(s.clock, clock.CalibratorOptions{
		Primary:     clock.SourceFunc("hub", s.measureHub),
		Secondary:   s.peerClock,
		MinInterval: cfg.CalibrationMin,
		MaxInterval: cfg.CalibrationMax,
		Timeout:     cfg.CalibrationTimeout,
		Logger:      log,
	})

	// The probe sends through the mesh, which is built next.
	s.probe = latency.New(cfg.SelfID, func(peerID string, msg wire.Control) error {
		return s.mesh.SendControl(peerID, msg)
	}, latency.Options{
		DefaultLatency: cfg.DefaultLatency,
		Alpha:          cfg.LatencyAlpha,
		Now:            opts.Now,
		WallClock:      s.clock.SyncedUnixMilli,
		Logger:         log,
		OnSample: func(sm latency.Sample) {
			s.peerClock.Observe(sm.PeerID, sm.RemoteTimestamp, sm.ReceivedAt, sm.RoundTrip)
		},
	})

	if cfg.Codec != "" {
		c, err := wire.Lookup(cfg.Codec)
		if err != nil {
			return nil, err
		}
		s.forcedCodec = c
	}

	s.mesh = mesh.New(mesh.Options{
		SelfID:        cfg.SelfID,
		Transport:     opts.Transport,
		Loop:          s.loop,
		Probe:         s.probe,
		OnJam:         s.onJam,
		ProbeInterval: cfg.ProbeInterval,
		CodecFor:      s.codecFor,
		Now:           opts.Now,
		Logger:        log,
	})
	s.mesh.OnStateChange(func(peerID string, state mesh.State) {
		log.Info("peer state", "peer", peerID, "state", state.String())
	})

	s.admission = admission.New(cfg.Admission, admission.Options{
		RoomNow: s.clock.RoomTime,
		Now:     opts.Now,
		Logger:  log,
	})
	s.scheduler = scheduler.New(cfg.Scheduler, scheduler.Options{
		SelfID:  cfg.SelfID,
		Room:    s.clock,
		Audio:   opts.Audio,
		Sink:    opts.Sink,
		Latency: s.probe.Latency,
		WallNow: s.clock.SyncedUnixMilli,
		Logger:  log,
	})
	s.bundler = bundler.New(s.loop, s.mesh.Broadcast, cfg.BundleInterval, log)
	return s, nil
}

// codecFor runs on the loop. Both ends of a channel must agree, so
// msgpack is only negotiated between two CLI peers.
func (s *Session) codecFor(peerID string) wire.Codec {
	if s.forcedCodec != nil {
		return s.forcedCodec
	}
	if s.cfg.ClientType != ClientType {
		return wire.JSON()
	}
	return wire.SelectCodec(s.clientTypes[peerID])
}

// ID is the peer id this session joins with.
func (s *Session) ID() string {
	return s.cfg.SelfID
}

func (s *Session) measureHub(ctx context.Context) (clock.Measurement, error) {
	sample, err := s.sig.RequestTime(ctx)
	if err != nil {
		return clock.Measurement{}, err
	}
	return clock.Measurement{
		Source:     "hub",
		ServerTime: sample.ServerTime,
		LocalTime:  sample.ReceivedAt,
		RoundTrip:  sample.RoundTrip,
	}, nil
}

// Run joins the room and serves it until ctx is cancelled, Close is
// called, or signaling fails.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.finished)

	select {
	case <-s.closing:
		return ErrClosed
	default:
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	s.running.Store(true)
	defer s.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop.Run(loopCtx) })

	if err := s.sig.Join(s.cfg.RoomID, signaling.JoinPayload{
		PeerID:     s.cfg.SelfID,
		ClientType: s.cfg.ClientType,
		Name:       s.cfg.Name,
	}); err != nil {
		stopLoop()
		g.Wait()
		return fmt.Errorf("join room %s: %w", s.cfg.RoomID, err)
	}
	s.log.Info("joining room", "room", s.cfg.RoomID)

	g.Go(func() error { return s.consume(gctx) })
	g.Go(func() error { return s.calibrator.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.closing:
		}
		s.shutdown()
		stopLoop()
		return errStopped
	})

	err := g.Wait()
	if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume turns signaling events into mesh operations on the loop.
func (s *Session) consume(ctx context.Context) error {
	joined := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil

		case p, ok := <-s.ev.RoomJoined:
			if !ok {
				return s.signalingGone(ctx)
			}
			joined = true
			s.roomJoined(p)

		case info, ok := <-s.ev.PeerJoined:
			if !ok {
				return s.signalingGone(ctx)
			}
			peer := *info
			s.loop.Post(func() { s.addPeer(peer) })

		case id, ok := <-s.ev.PeerLeft:
			if !ok {
				return s.signalingGone(ctx)
			}
			s.loop.Post(func() { s.removePeer(id) })

		case sig, ok := <-s.ev.Signal:
			if !ok {
				return s.signalingGone(ctx)
			}
			s.tr.HandleSignal(sig.From, sig.Payload)

		case msg, ok := <-s.ev.Error:
			if !ok {
				return s.signalingGone(ctx)
			}
			if !joined {
				return fmt.Errorf("%w: %s", ErrJoinRejected, msg)
			}
			s.log.Warn("hub error", "error", msg)
		}
	}
}

func (s *Session) signalingGone(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	select {
	case <-s.closing:
		return nil
	default:
		return ErrSignalingClosed
	}
}

func (s *Session) roomJoined(p *signaling.RoomJoinedPayload) {
	if p.PeerID != "" && p.PeerID != s.cfg.SelfID {
		s.log.Warn("hub assigned a different peer id", "requested", s.cfg.SelfID, "assigned", p.PeerID)
	}
	s.clock.SetRoomOrigin(p.Origin)
	s.log.Info("joined room", "room", s.cfg.RoomID, "origin", p.Origin, "peers", len(p.Peers))

	peers := append([]signaling.PeerInfo(nil), p.Peers...)
	s.loop.Post(func() {
		for _, peer := range peers {
			s.addPeer(peer)
		}
	})
}

func (s *Session) addPeer(info signaling.PeerInfo) {
	if info.PeerID == "" || info.PeerID == s.cfg.SelfID {
		return
	}
	s.clientTypes[info.PeerID] = info.ClientType
	s.mesh.AddPeer(info.PeerID)
}

func (s *Session) removePeer(id string) {
	s.mesh.RemovePeer(id)
	delete(s.clientTypes, id)
	s.peerClock.Forget(id)
	s.tr.Forget(id)
}

// onJam runs on the loop for every decoded jam frame.
func (s *Session) onJam(from string, events []wire.Event) {
	for _, ev := range events {
		if ev.SenderID != from {
			s.log.Debug("dropping event relayed for another sender", "peer", from, "sender", ev.SenderID)
			continue
		}
		if d := s.admission.Admit(ev); d != admission.Accepted {
			s.log.Debug("event filtered", "peer", from, "decision", d.String(), "target", ev.Target())
			continue
		}
		s.scheduler.Schedule(ev)
		s.notify(ev)
	}
}

// SubmitLocalEvent plays a note locally and sends it to every connected
// peer.
func (s *Session) SubmitLocalEvent(instrument string, note wire.Note, kind wire.Kind, velocity uint8) error {
	return s.SubmitEvent(wire.Event{
		Type:       kind,
		Instrument: instrument,
		Note:       &note,
		Velocity:   velocity,
	})
}

// SubmitEvent stamps ev with room time and sender, plays it locally and
// queues it for the next bundle.
func (s *Session) SubmitEvent(ev wire.Event) error {
	ev.SenderID = s.cfg.SelfID
	if err := ev.Validate(); err != nil {
		return err
	}
	if !s.loop.Post(func() {
		stamped := s.scheduler.StampEvent(ev)
		s.scheduler.PlayLocal(stamped)
		s.bundler.Enqueue(stamped)
		s.notify(stamped)
	}) {
		return ErrClosed
	}
	return nil
}

// SubscribeAdmittedEvents registers cb for every admitted remote event and
// every local submission. Callbacks run on the loop and must not block.
func (s *Session) SubscribeAdmittedEvents(cb func(wire.Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) notify(ev wire.Event) {
	s.subMu.Lock()
	cbs := make([]func(wire.Event), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

// RoomTime is the synchronized seconds since the room origin.
func (s *Session) RoomTime() float64 {
	return s.clock.RoomTime()
}

// Offset returns the current clock offset estimate.
func (s *Session) Offset() clock.Offset {
	return s.clock.Offset()
}

// PeerLatency returns the smoothed one-way latency to id. It reports
// false for unknown peers or when the session is not reachable.
func (s *Session) PeerLatency(id string) (time.Duration, bool) {
	var (
		est latency.Estimate
		ok  bool
	)
	if err := s.query(func() { est, ok = s.probe.Estimate(id) }); err != nil {
		return 0, false
	}
	return est.Latency, ok
}

// PeerStates returns every known peer's connection state.
func (s *Session) PeerStates() map[string]mesh.State {
	var states map[string]mesh.State
	if err := s.query(func() { states = s.mesh.States() }); err != nil {
		return map[string]mesh.State{}
	}
	return states
}

// Stats collects diagnostics from every component.
func (s *Session) Stats() (Stats, error) {
	var st Stats
	err := s.query(func() {
		st.Admission = s.admission.Stats()
		st.Scheduler = s.scheduler.Stats()
		st.Bundles = s.bundler.Flushes()
		st.Malformed = s.mesh.Malformed()
		for id, state := range s.mesh.States() {
			est, _ := s.probe.Estimate(id)
			st.Peers = append(st.Peers, PeerStats{ID: id, State: state, Latency: est})
		}
	})
	if err != nil {
		return Stats{}, err
	}
	st.sortPeers()
	st.Offset = s.clock.Offset()
	st.CalibrationFailures = s.calibrator.Failures()
	st.RoomTime = s.clock.RoomTime()
	return st, nil
}

// query runs fn where it may read loop-owned state.
func (s *Session) query(fn func()) error {
	if !s.running.Load() {
		select {
		case <-s.finished:
		default:
			if s.started.Load() {
				return ErrClosed
			}
		}
		fn()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := s.loop.Do(ctx, fn); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// shutdown flushes pending events, closes every peer and leaves the room.
func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.loop.Do(ctx, s.teardown); err != nil {
		s.log.Warn("session teardown incomplete", "error", err)
	}
	if err := s.sig.Leave(); err != nil {
		s.log.Debug("leave room", "error", err)
	}
	s.log.Info("left room", "room", s.cfg.RoomID)
}

func (s *Session) teardown() {
	s.bundler.Stop()
	s.mesh.Close()
}

// Close stops a running session and waits for Run to return. A session
// that never ran is torn down in place.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if !s.started.Load() {
			s.teardown()
		}
	})
	if s.started.Load() {
		<-s.finished
	}
	return nil
}
