// Package latency measures one-way latency to each peer with ping/pong
// probes and smooths the result with an exponential moving average.
//
// A Probe is owned by the session loop and is not safe for concurrent use.
package latency

import (
	"log/slog"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

const (
	// DefaultLatency is assumed for a peer until its first pong arrives.
	DefaultLatency = 50 * time.Millisecond

	// DefaultAlpha weights the newest sample; high values adapt fast.
	DefaultAlpha = 0.3
)

// Sender delivers a control message to one peer.
type Sender func(peerID string, msg wire.Control) error

// Sample is one completed round trip. It doubles as a clock observation of
// the remote peer for peer-exchange calibration.
type Sample struct {
	PeerID          string
	RemoteTimestamp int64 // remote wall clock (Unix ms) when it answered
	ReceivedAt      time.Time
	RoundTrip       time.Duration
}

// Estimate is a snapshot of one peer's latency state.
type Estimate struct {
	PeerID    string
	Latency   time.Duration
	Measured  bool
	Samples   int
	LastRTT   time.Duration
	Pending   bool
	UpdatedAt time.Time
}

type pendingProbe struct {
	stamp  int64
	sentAt time.Time
}

type peerState struct {
	smoothedMs float64
	measured   bool
	samples    int
	lastRTT    time.Duration
	pending    *pendingProbe
	updatedAt  time.Time
}

// Options tune a Probe. Zero values select the defaults.
type Options struct {
	DefaultLatency time.Duration
	Alpha          float64
	Now            func() time.Time
	Logger         *slog.Logger

	// WallClock stamps pongs (Unix ms). A synchronized clock here lets
	// peers calibrate against each other. Defaults to Now.
	WallClock func() int64

	// OnSample, if set, is called for every matched pong.
	OnSample func(Sample)
}

// Probe tracks per-peer latency estimates.
type Probe struct {
	selfID         string
	send           Sender
	defaultLatency time.Duration
	alpha          float64
	now            func() time.Time
	wallClock      func() int64
	log            *slog.Logger
	onSample       func(Sample)

	peers map[string]*peerState
}

// New creates a probe that identifies itself as selfID on the wire.
func New(selfID string, send Sender, opts Options) *Probe {
	p := &Probe{
		selfID:         selfID,
		send:           send,
		defaultLatency: opts.DefaultLatency,
		alpha:          opts.Alpha,
		now:            opts.Now,
		wallClock:      opts.WallClock,
		log:            opts.Logger,
		onSample:       opts.OnSample,
		peers:          make(map[string]*peerState),
	}
	if p.defaultLatency <= 0 {
		p.defaultLatency = DefaultLatency
	}
	if p.alpha <= 0 || p.alpha > 1 {
		p.alpha = DefaultAlpha
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.wallClock == nil {
		p.wallClock = func() int64 { return p.now().UnixMilli() }
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// RegisterPeer starts tracking id at the default latency. Registering a
// known peer keeps its estimate.
func (p *Probe) RegisterPeer(id string) {
	if _, ok := p.peers[id]; ok {
		return
	}
	p.peers[id] = &peerState{smoothedMs: msOf(p.defaultLatency)}
}

// RemovePeer forgets id and drops its outstanding probe.
func (p *Probe) RemovePeer(id string) {
	delete(p.peers, id)
}

// SendProbe pings id. A still-unanswered probe is superseded.
func (p *Probe) SendProbe(id string) error {
	st, ok := p.peers[id]
	if !ok {
		return nil
	}
	now := p.now()
	ping := wire.NewPing(p.selfID, now.UnixMilli())
	st.pending = &pendingProbe{stamp: ping.Timestamp, sentAt: now}
	return p.send(id, ping)
}

// OnControlMessage handles a ping or pong from a peer. receivedAt should be
// captured as early as possible in the receive path.
func (p *Probe) OnControlMessage(msg wire.Control, from string, receivedAt time.Time) {
	switch msg.Type {
	case wire.KindPing:
		pong := wire.NewPong(p.selfID, msg, p.wallClock())
		if err := p.send(from, pong); err != nil {
			p.log.Debug("pong send failed", "peer", from, "error", err)
		}

	case wire.KindPong:
		st, ok := p.peers[from]
		if !ok || st.pending == nil || st.pending.stamp != msg.OriginalTimestamp {
			return
		}
		rtt := receivedAt.Sub(st.pending.sentAt)
		st.pending = nil
		if rtt < 0 {
			return
		}
		p.fold(st, rtt, receivedAt)

		p.log.Debug("latency sample", "peer", from, "rtt_ms", msOf(rtt), "latency_ms", st.smoothedMs)
		if p.onSample != nil {
			p.onSample(Sample{
				PeerID:          from,
				RemoteTimestamp: msg.Timestamp,
				ReceivedAt:      receivedAt,
				RoundTrip:       rtt,
			})
		}
	}
}

// fold merges one round trip into the smoothed one-way estimate. The first
// measurement replaces the default outright.
func (p *Probe) fold(st *peerState, rtt time.Duration, at time.Time) {
	oneWay := msOf(rtt) / 2
	if !st.measured {
		st.smoothedMs = oneWay
		st.measured = true
	} else {
		st.smoothedMs = st.smoothedMs*(1-p.alpha) + oneWay*p.alpha
	}
	st.samples++
	st.lastRTT = rtt
	st.updatedAt = at
}

// Latency returns the smoothed one-way latency to id, or the default.
func (p *Probe) Latency(id string) time.Duration {
	st, ok := p.peers[id]
	if !ok {
		return p.defaultLatency
	}
	return time.Duration(st.smoothedMs * float64(time.Millisecond))
}

// Estimate returns a snapshot of id's state.
func (p *Probe) Estimate(id string) (Estimate, bool) {
	st, ok := p.peers[id]
	if !ok {
		return Estimate{}, false
	}
	return Estimate{
		PeerID:    id,
		Latency:   time.Duration(st.smoothedMs * float64(time.Millisecond)),
		Measured:  st.measured,
		Samples:   st.samples,
		LastRTT:   st.lastRTT,
		Pending:   st.pending != nil,
		UpdatedAt: st.updatedAt,
	}, true
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
