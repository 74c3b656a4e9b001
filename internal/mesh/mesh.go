// Package mesh manages one data channel per remote peer and routes what
// arrives on them.
//
// Every Coordinator method must be called on the session loop. Transport
// callbacks may fire on any goroutine; they only decode the payload and
// post the result back onto the loop.
package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/loop"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

// DefaultProbeInterval is how often a connected peer is pinged.
const DefaultProbeInterval = 500 * time.Millisecond

var (
	ErrChannelNotOpen = errors.New("peer channel not open")
	ErrUnknownPeer    = errors.New("unknown peer")
)

// State is a peer connection's lifecycle stage.
type State int

const (
	Connecting State = iota + 1
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is an open (or opening) best-effort data channel to one peer.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Handler receives channel events. Callbacks may run on any goroutine.
type Handler struct {
	OnOpen    func()
	OnClose   func()
	OnError   func(err error)
	OnMessage func(data []byte)
}

// Transport creates channels. The initiator starts the handshake; the other
// side waits for the inbound offer.
type Transport interface {
	Open(peerID string, initiator bool, h Handler) (Channel, error)
}

// Executor is the loop surface the coordinator posts onto.
type Executor interface {
	loop.Scheduler
	Post(fn func()) bool
	PostControl(fn func()) bool
}

// Prober is the latency probe the coordinator drives.
type Prober interface {
	RegisterPeer(id string)
	RemovePeer(id string)
	SendProbe(id string) error
	OnControlMessage(msg wire.Control, from string, receivedAt time.Time)
}

// JamHandler receives decoded jam events on the loop.
type JamHandler func(from string, events []wire.Event)

// StateListener is notified of actual state changes only.
type StateListener func(peerID string, state State)

type record struct {
	id        string
	gen       uint64
	state     State
	initiator bool
	ch        Channel
	codec     wire.Codec
	closing   bool
	probe     loop.Timer
}

// Options configure a Coordinator.
type Options struct {
	SelfID        string
	Transport     Transport
	Loop          Executor
	Probe         Prober
	OnJam         JamHandler
	ProbeInterval time.Duration
	// CodecFor picks the wire codec for a peer. Defaults to JSON.
	CodecFor func(peerID string) wire.Codec
	Now      func() time.Time
	Logger   *slog.Logger
}

// Coordinator owns the per-peer connection records.
type Coordinator struct {
	selfID        string
	transport     Transport
	loop          Executor
	probe         Prober
	onJam         JamHandler
	probeInterval time.Duration
	codecFor      func(string) wire.Codec
	now           func() time.Time
	log           *slog.Logger

	records   map[string]*record
	gen       uint64
	listeners []StateListener
	malformed atomic.Uint64
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		selfID:        opts.SelfID,
		transport:     opts.Transport,
		loop:          opts.Loop,
		probe:         opts.Probe,
		onJam:         opts.OnJam,
		probeInterval: opts.ProbeInterval,
		codecFor:      opts.CodecFor,
		now:           opts.Now,
		log:           opts.Logger,
		records:       make(map[string]*record),
	}
	if c.probeInterval <= 0 {
		c.probeInterval = DefaultProbeInterval
	}
	if c.codecFor == nil {
		c.codecFor = func(string) wire.Codec { return wire.JSON() }
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.onJam == nil {
		c.onJam = func(string, []wire.Event) {}
	}
	return c
}

// OnStateChange registers a listener.
func (c *Coordinator) OnStateChange(fn StateListener) {
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) setState(rec *record, s State) {
	if rec.state == s {
		return
	}
	rec.state = s
	c.log.Info("peer state changed", "peer", rec.id, "state", s.String())
	for _, fn := range c.listeners {
		fn(rec.id, s)
	}
}

// AddPeer starts connecting to id. A live record makes it a no-op.
func (c *Coordinator) AddPeer(id string) {
	if id == c.selfID {
		return
	}
	if old, ok := c.records[id]; ok {
		if old.state != Disconnected {
			return
		}
		old.closing = true
		if old.ch != nil {
			old.ch.Close()
		}
	}

	c.gen++
	rec := &record{
		id:        id,
		gen:       c.gen,
		initiator: c.selfID < id,
		codec:     c.codecFor(id),
	}
	c.records[id] = rec
	c.setState(rec, Connecting)
	c.probe.RegisterPeer(id)

	ch, err := c.transport.Open(id, rec.initiator, c.handler(id, rec.gen, rec.codec))
	if err != nil {
		c.log.Warn("opening peer channel failed", "peer", id, "error", err)
		c.setState(rec, Disconnected)
		return
	}
	rec.ch = ch
	c.log.Debug("peer channel opening", "peer", id, "initiator", rec.initiator, "codec", rec.codec.Name())
}

// RemovePeer closes id's channel and forgets it. Unknown ids are ignored.
func (c *Coordinator) RemovePeer(id string) {
	rec, ok := c.records[id]
	if !ok {
		return
	}
	rec.closing = true
	c.stopProbing(rec)
	if rec.ch != nil && rec.state != Disconnected {
		if err := rec.ch.Close(); err != nil {
			c.log.Debug("closing peer channel", "peer", id, "error", err)
		}
	}
	c.setState(rec, Disconnected)
	delete(c.records, id)
	c.probe.RemovePeer(id)
}

// Close removes every peer.
func (c *Coordinator) Close() {
	for _, id := range c.peerIDs() {
		c.RemovePeer(id)
	}
}

func (c *Coordinator) current(id string, gen uint64) *record {
	rec, ok := c.records[id]
	if !ok || rec.gen != gen {
		return nil
	}
	return rec
}

func (c *Coordinator) handler(id string, gen uint64, codec wire.Codec) Handler {
	return Handler{
		OnOpen: func() {
			c.loop.Post(func() { c.opened(id, gen) })
		},
		OnClose: func() {
			c.loop.Post(func() { c.closed(id, gen, nil) })
		},
		OnError: func(err error) {
			c.loop.Post(func() { c.closed(id, gen, err) })
		},
		OnMessage: func(data []byte) {
			c.receive(id, gen, codec, data)
		},
	}
}

func (c *Coordinator) opened(id string, gen uint64) {
	rec := c.current(id, gen)
	if rec == nil || rec.state != Connecting {
		return
	}
	c.setState(rec, Connected)
	c.probeNow(rec)
}

func (c *Coordinator) closed(id string, gen uint64, cause error) {
	rec := c.current(id, gen)
	if rec == nil || rec.closing || rec.state == Disconnected {
		return
	}
	if cause != nil {
		c.log.Warn("peer channel failed", "peer", id, "error", cause)
	} else {
		c.log.Info("peer channel closed by remote", "peer", id)
	}
	c.stopProbing(rec)
	c.setState(rec, Disconnected)
}

// receive runs on the transport goroutine. The receipt instant is captured
// before decoding so control RTTs exclude parse time.
func (c *Coordinator) receive(id string, gen uint64, codec wire.Codec, data []byte) {
	receivedAt := c.now()
	frame, err := wire.Decode(codec, data)
	if err != nil {
		c.malformed.Add(1)
		c.log.Debug("dropping malformed payload", "peer", id, "error", err)
		return
	}

	if frame.IsControl() {
		msg := *frame.Control
		c.loop.PostControl(func() {
			if rec := c.current(id, gen); rec != nil && rec.state != Disconnected {
				c.probe.OnControlMessage(msg, id, receivedAt)
			}
		})
		return
	}

	events := frame.Events
	c.loop.Post(func() {
		if rec := c.current(id, gen); rec != nil && rec.state != Disconnected {
			c.onJam(id, events)
		}
	})
}

func (c *Coordinator) probeNow(rec *record) {
	if err := c.probe.SendProbe(rec.id); err != nil {
		c.log.Debug("probe send failed", "peer", rec.id, "error", err)
	}
	rec.probe = c.loop.AfterFunc(c.probeInterval, func() {
		if cur := c.current(rec.id, rec.gen); cur == rec && rec.state == Connected {
			c.probeNow(rec)
		}
	})
}

func (c *Coordinator) stopProbing(rec *record) {
	if rec.probe != nil {
		rec.probe.Stop()
		rec.probe = nil
	}
}

// SendControl encodes msg for id and sends it. It is the probe's sender.
func (c *Coordinator) SendControl(id string, msg wire.Control) error {
	rec, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	if rec.state != Connected || rec.ch == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotOpen, id)
	}
	data, err := wire.EncodeControl(rec.codec, msg)
	if err != nil {
		return err
	}
	return rec.ch.Send(data)
}

// Broadcast sends events to every connected peer, encoding once per codec.
// Send failures are logged, never returned.
func (c *Coordinator) Broadcast(events []wire.Event) {
	if len(events) == 0 {
		return
	}
	encoded := make(map[string][]byte)
	for _, rec := range c.records {
		if rec.state != Connected || rec.ch == nil {
			continue
		}
		data, ok := encoded[rec.codec.Name()]
		if !ok {
			var err error
			data, err = wire.EncodeEvents(rec.codec, events)
			if err != nil {
				c.log.Warn("encoding events failed", "codec", rec.codec.Name(), "error", err)
				continue
			}
			encoded[rec.codec.Name()] = data
		}
		if err := rec.ch.Send(data); err != nil {
			c.log.Debug("send to peer failed", "peer", rec.id, "error", err)
		}
	}
}

// State returns id's connection state.
func (c *Coordinator) State(id string) (State, bool) {
	rec, ok := c.records[id]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// States returns every known peer's state.
func (c *Coordinator) States() map[string]State {
	out := make(map[string]State, len(c.records))
	for id, rec := range c.records {
		out[id] = rec.state
	}
	return out
}

// Initiator reports whether this side starts the handshake with id.
func (c *Coordinator) Initiator(id string) bool {
	return c.selfID < id
}

// Malformed returns how many payloads failed to decode.
func (c *Coordinator) Malformed() uint64 {
	return c.malformed.Load()
}

func (c *Coordinator) peerIDs() []string {
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
