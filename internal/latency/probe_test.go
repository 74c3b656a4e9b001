package latency

import (
	"math"
	"testing"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

type sent struct {
	to  string
	msg wire.Control
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestProbe(opts Options) (*Probe, *fakeClock, *[]sent) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	var out []sent
	opts.Now = clk.Now
	p := New("me", func(to string, msg wire.Control) error {
		out = append(out, sent{to, msg})
		return nil
	}, opts)
	return p, clk, &out
}

func TestUnmeasuredPeerUsesDefault(t *testing.T) {
	p, _, _ := newTestProbe(Options{})
	p.RegisterPeer("alice")

	if got := p.Latency("alice"); got != DefaultLatency {
		t.Errorf("expected default %v, got %v", DefaultLatency, got)
	}
	if got := p.Latency("stranger"); got != DefaultLatency {
		t.Errorf("expected default for unknown peer, got %v", got)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	p, _, out := newTestProbe(Options{})

	p.OnControlMessage(wire.NewPing("alice", 42), "alice", time.Now())

	if len(*out) != 1 {
		t.Fatalf("expected one reply, got %d", len(*out))
	}
	reply := (*out)[0]
	if reply.to != "alice" || reply.msg.Type != wire.KindPong || reply.msg.OriginalTimestamp != 42 {
		t.Errorf("unexpected reply %+v", reply)
	}
	if reply.msg.SenderID != "me" {
		t.Errorf("expected senderId me, got %q", reply.msg.SenderID)
	}
}

func roundTrip(p *Probe, clk *fakeClock, out *[]sent, peer string, rtt time.Duration) {
	p.SendProbe(peer)
	ping := (*out)[len(*out)-1].msg
	clk.Advance(rtt)
	p.OnControlMessage(wire.NewPong(peer, ping, clk.Now().UnixMilli()), peer, clk.Now())
}

func TestConvergesToHalfRoundTrip(t *testing.T) {
	p, clk, out := newTestProbe(Options{})
	p.RegisterPeer("bob")

	// Seed with a noisy sample so convergence is exercised by the EMA.
	roundTrip(p, clk, out, "bob", 300*time.Millisecond)

	const rtt = 80 * time.Millisecond
	for range 20 {
		roundTrip(p, clk, out, "bob", rtt)
	}

	got := p.Latency("bob")
	if diff := math.Abs(float64(got - rtt/2)); diff > float64(time.Millisecond) {
		t.Errorf("expected ~%v after 20 samples, got %v", rtt/2, got)
	}
}

func TestUnmatchedPongIgnored(t *testing.T) {
	p, clk, out := newTestProbe(Options{})
	p.RegisterPeer("carol")

	p.OnControlMessage(wire.Control{Type: wire.KindPong, SenderID: "carol", OriginalTimestamp: 999}, "carol", clk.Now())
	est, _ := p.Estimate("carol")
	if est.Measured {
		t.Fatal("unmatched pong must not be measured")
	}

	// A superseded probe's pong no longer matches.
	p.SendProbe("carol")
	first := (*out)[len(*out)-1].msg
	clk.Advance(600 * time.Millisecond)
	p.SendProbe("carol")
	p.OnControlMessage(wire.NewPong("carol", first, 0), "carol", clk.Now())
	if est, _ := p.Estimate("carol"); est.Measured {
		t.Error("pong for superseded probe must be ignored")
	}
	if est, _ := p.Estimate("carol"); !est.Pending {
		t.Error("latest probe should still be pending")
	}
}

func TestRemovePeerDropsPendingProbe(t *testing.T) {
	var samples int
	p, clk, out := newTestProbe(Options{OnSample: func(Sample) { samples++ }})
	p.RegisterPeer("dave")
	p.SendProbe("dave")
	ping := (*out)[len(*out)-1].msg

	p.RemovePeer("dave")
	clk.Advance(20 * time.Millisecond)
	p.OnControlMessage(wire.NewPong("dave", ping, 0), "dave", clk.Now())

	if samples != 0 {
		t.Errorf("expected no samples after removal, got %d", samples)
	}
	if _, ok := p.Estimate("dave"); ok {
		t.Error("removed peer should have no estimate")
	}
	if err := p.SendProbe("dave"); err != nil || len(*out) != 1 {
		t.Error("probing a removed peer should be a silent no-op")
	}
}

func TestSampleCarriesRemoteClock(t *testing.T) {
	var got Sample
	p, clk, out := newTestProbe(Options{OnSample: func(s Sample) { got = s }})
	p.RegisterPeer("erin")

	p.SendProbe("erin")
	ping := (*out)[0].msg
	clk.Advance(40 * time.Millisecond)
	p.OnControlMessage(wire.NewPong("erin", ping, 1234567), "erin", clk.Now())

	if got.RemoteTimestamp != 1234567 || got.RoundTrip != 40*time.Millisecond || got.PeerID != "erin" {
		t.Errorf("unexpected sample %+v", got)
	}
}

func TestPongUsesWallClock(t *testing.T) {
	p, _, out := newTestProbe(Options{WallClock: func() int64 { return 123456 }})

	p.OnControlMessage(wire.NewPing("alice", 7), "alice", time.Now())

	if len(*out) != 1 || (*out)[0].msg.Timestamp != 123456 {
		t.Errorf("pong should carry the wall clock stamp, got %+v", *out)
	}
}
