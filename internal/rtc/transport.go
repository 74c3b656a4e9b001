// Package rtc carries peer channels over WebRTC data channels. Channels are
// unordered with no retransmits: a late jam event is worse than a lost one.
package rtc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/mesh"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
)

// ChannelLabel names the single data channel per peer.
const ChannelLabel = "jam"

// Signals queued for a peer that has not been opened yet.
const maxPendingSignals = 64

// Signaler relays SDP and ICE candidates to one peer.
type Signaler interface {
	Signal(to string, payload signaling.SignalPayload) error
}

// Config holds ICE settings.
type Config struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string
	// ForceRelay restricts ICE to TURN candidates.
	ForceRelay bool
	// AutoRelay applies ShouldForceRelay when TURN servers are present.
	AutoRelay bool
}

func (c Config) pionConfig() pion.Configuration {
	var servers []pion.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: c.STUNServers})
	}
	if len(c.TURNServers) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}

	policy := pion.ICETransportPolicyAll
	if len(c.TURNServers) > 0 && (c.ForceRelay || (c.AutoRelay && ShouldForceRelay())) {
		policy = pion.ICETransportPolicyRelay
	}
	return pion.Configuration{ICEServers: servers, ICETransportPolicy: policy}
}

// Transport opens one PeerConnection per remote peer. It implements
// mesh.Transport.
type Transport struct {
	cfg      pion.Configuration
	signaler Signaler
	log      *slog.Logger

	mu      sync.Mutex
	peers   map[string]*peerConn
	pending map[string][]signaling.SignalPayload
	closed  bool
}

// New creates a transport that signals through sig.
func New(cfg Config, sig Signaler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	pc := cfg.pionConfig()
	if pc.ICETransportPolicy == pion.ICETransportPolicyRelay {
		logger.Info("ICE restricted to relay candidates")
	}
	return &Transport{
		cfg:      pc,
		signaler: sig,
		log:      logger,
		peers:    make(map[string]*peerConn),
		pending:  make(map[string][]signaling.SignalPayload),
	}
}

// Open creates the PeerConnection for peerID. The initiator creates the
// data channel and sends the offer; the other side waits for it.
func (t *Transport) Open(peerID string, initiator bool, h mesh.Handler) (mesh.Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if old, ok := t.peers[peerID]; ok {
		delete(t.peers, peerID)
		go old.shutdown()
	}
	t.mu.Unlock()

	pc, err := pion.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, NewError("create peer connection", peerID, err)
	}

	p := &peerConn{id: peerID, initiator: initiator, pc: pc, h: h, t: t}
	p.wire()

	if initiator {
		ordered := false
		retransmits := uint16(0)
		dc, err := pc.CreateDataChannel(ChannelLabel, &pion.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if err != nil {
			pc.Close()
			return nil, NewError("create data channel", peerID, err)
		}
		p.attach(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, NewError("create offer", peerID, err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return nil, NewError("set local description", peerID, err)
		}
		if err := t.signaler.Signal(peerID, signaling.SignalPayload{Type: offer.Type.String(), SDP: pc.LocalDescription().SDP}); err != nil {
			pc.Close()
			return nil, NewError("send offer", peerID, err)
		}
	}

	t.mu.Lock()
	t.peers[peerID] = p
	queued := t.pending[peerID]
	delete(t.pending, peerID)
	t.mu.Unlock()

	for _, sig := range queued {
		p.handle(sig)
	}
	t.log.Debug("peer connection created", "peer", peerID, "initiator", initiator, "queued_signals", len(queued))
	return p, nil
}

// HandleSignal routes a relayed signal to its PeerConnection. Signals for a
// peer not opened yet are held until Open.
func (t *Transport) HandleSignal(from string, payload signaling.SignalPayload) {
	t.mu.Lock()
	p, ok := t.peers[from]
	if !ok {
		if len(t.pending[from]) < maxPendingSignals {
			t.pending[from] = append(t.pending[from], payload)
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	p.handle(payload)
}

// Forget drops queued signals for a departed peer.
func (t *Transport) Forget(peerID string) {
	t.mu.Lock()
	delete(t.pending, peerID)
	t.mu.Unlock()
}

// Close tears down every PeerConnection.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.pending = make(map[string][]signaling.SignalPayload)
	t.mu.Unlock()

	for _, p := range peers {
		p.shutdown()
	}
}

func (t *Transport) release(p *peerConn) {
	t.mu.Lock()
	if cur, ok := t.peers[p.id]; ok && cur == p {
		delete(t.peers, p.id)
	}
	t.mu.Unlock()
}

type peerConn struct {
	id        string
	initiator bool
	pc        *pion.PeerConnection
	h         mesh.Handler
	t         *Transport

	mu         sync.Mutex
	dc         *pion.DataChannel
	remoteSet  bool
	pendingICE []pion.ICECandidateInit

	closeOnce sync.Once
}

func (p *peerConn) wire() {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := p.t.signaler.Signal(p.id, signaling.SignalPayload{ICECandidate: data}); err != nil {
			p.t.log.Debug("sending ICE candidate failed", "peer", p.id, "error", err)
		}
	})

	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.t.log.Debug("peer connection state", "peer", p.id, "state", state.String())
		if state == pion.PeerConnectionStateFailed {
			p.h.OnError(NewError("connect", p.id, ErrConnectionFailed))
		}
	})

	if !p.initiator {
		p.pc.OnDataChannel(func(dc *pion.DataChannel) {
			if dc.Label() != ChannelLabel {
				p.t.log.Debug("ignoring unexpected data channel", "peer", p.id, "label", dc.Label())
				return
			}
			p.attach(dc)
		})
	}
}

func (p *peerConn) attach(dc *pion.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(p.h.OnOpen)
	dc.OnClose(p.h.OnClose)
	dc.OnError(p.h.OnError)
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.h.OnMessage(msg.Data)
	})
}

func (p *peerConn) handle(sig signaling.SignalPayload) {
	var err error
	switch {
	case sig.SDP != "":
		err = p.handleSDP(sig)
	case len(sig.ICECandidate) > 0:
		err = p.handleICE(sig.ICECandidate)
	}
	if err != nil {
		p.t.log.Warn("handling signal failed", "peer", p.id, "error", err)
		p.h.OnError(err)
	}
}

func (p *peerConn) handleSDP(sig signaling.SignalPayload) error {
	switch sig.Type {
	case "offer":
		if p.initiator {
			return WrapError("handle signal", p.id, ErrUnexpectedSignal, "offer received by initiator")
		}
		if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return NewError("set remote description", p.id, err)
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return NewError("create answer", p.id, err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return NewError("set local description", p.id, err)
		}
		if err := p.t.signaler.Signal(p.id, signaling.SignalPayload{Type: answer.Type.String(), SDP: p.pc.LocalDescription().SDP}); err != nil {
			return NewError("send answer", p.id, err)
		}

	case "answer":
		if !p.initiator {
			return WrapError("handle signal", p.id, ErrUnexpectedSignal, "answer received by answerer")
		}
		if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return NewError("set remote description", p.id, err)
		}

	default:
		return WrapError("handle signal", p.id, ErrUnexpectedSignal, sig.Type)
	}
	return p.flushICE()
}

func (p *peerConn) handleICE(raw json.RawMessage) error {
	var ice pion.ICECandidateInit
	if err := json.Unmarshal(raw, &ice); err != nil {
		return NewError("parse ICE candidate", p.id, err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pendingICE = append(p.pendingICE, ice)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(ice); err != nil {
		return NewError("add ICE candidate", p.id, err)
	}
	return nil
}

// flushICE applies candidates that arrived before the remote description.
func (p *peerConn) flushICE() error {
	p.mu.Lock()
	p.remoteSet = true
	queued := p.pendingICE
	p.pendingICE = nil
	p.mu.Unlock()

	for _, ice := range queued {
		if err := p.pc.AddICECandidate(ice); err != nil {
			return NewError("add ICE candidate", p.id, err)
		}
	}
	return nil
}

// Send writes data if the channel is open.
func (p *peerConn) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return fmt.Errorf("%w: %s", mesh.ErrChannelNotOpen, p.id)
	}
	return dc.Send(data)
}

// Close tears the PeerConnection down.
func (p *peerConn) Close() error {
	p.t.release(p)
	return p.shutdown()
}

func (p *peerConn) shutdown() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}
