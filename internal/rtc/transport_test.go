package rtc

import (
	"errors"
	"net"
	"testing"

	pion "github.com/pion/webrtc/v4"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/mesh"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
)

func TestLooksRelayed(t *testing.T) {
	cases := []struct {
		name  string
		iface string
		ip    string
		want  bool
	}{
		{"wireguard name", "wg0", "10.0.0.2", true},
		{"tun name", "utun3", "10.8.0.2", true},
		{"cgnat address", "eth0", "100.96.1.4", true},
		{"plain lan", "eth0", "192.168.1.20", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addrs := []net.Addr{&net.IPNet{IP: net.ParseIP(tc.ip), Mask: net.CIDRMask(24, 32)}}
			if got := looksRelayed(tc.iface, addrs); got != tc.want {
				t.Errorf("looksRelayed(%s, %s) = %v, want %v", tc.iface, tc.ip, got, tc.want)
			}
		})
	}
}

func TestPionConfig(t *testing.T) {
	cfg := Config{
		STUNServers: []string{"stun:stun.example.org:3478"},
		TURNServers: []string{"turn:turn.example.org:3478?transport=udp"},
		TURNUser:    "user",
		TURNPass:    "pass",
		ForceRelay:  true,
	}.pionConfig()

	if len(cfg.ICEServers) != 2 {
		t.Fatalf("expected stun and turn entries, got %d", len(cfg.ICEServers))
	}
	if cfg.ICEServers[1].Username != "user" {
		t.Errorf("turn credentials not applied: %+v", cfg.ICEServers[1])
	}
	if cfg.ICETransportPolicy != pion.ICETransportPolicyRelay {
		t.Errorf("expected relay policy, got %v", cfg.ICETransportPolicy)
	}

	// Forcing relay without TURN would leave no candidates at all.
	noTurn := Config{STUNServers: []string{"stun:stun.example.org"}, ForceRelay: true}.pionConfig()
	if noTurn.ICETransportPolicy != pion.ICETransportPolicyAll {
		t.Errorf("relay policy must need TURN servers, got %v", noTurn.ICETransportPolicy)
	}
}

func meshHandler() mesh.Handler {
	return mesh.Handler{
		OnOpen:    func() {},
		OnClose:   func() {},
		OnError:   func(error) {},
		OnMessage: func([]byte) {},
	}
}

type nopSignaler struct{}

func (nopSignaler) Signal(string, signaling.SignalPayload) error { return nil }

func TestSignalsHeldUntilOpen(t *testing.T) {
	tr := New(Config{}, nopSignaler{}, nil)
	tr.HandleSignal("bob", signaling.SignalPayload{Type: "offer", SDP: "v=0"})
	tr.HandleSignal("bob", signaling.SignalPayload{ICECandidate: []byte(`{"candidate":""}`)})

	tr.mu.Lock()
	n := len(tr.pending["bob"])
	tr.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 queued signals, got %d", n)
	}

	tr.Forget("bob")
	tr.mu.Lock()
	n = len(tr.pending["bob"])
	tr.mu.Unlock()
	if n != 0 {
		t.Errorf("forget should drop queued signals, got %d", n)
	}
}

func TestOpenAfterCloseFails(t *testing.T) {
	tr := New(Config{}, nopSignaler{}, nil)
	tr.Close()
	if _, err := tr.Open("bob", true, meshHandler()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestOpErrorUnwraps(t *testing.T) {
	err := WrapError("handle signal", "bob", ErrUnexpectedSignal, "pranswer")
	if !errors.Is(err, ErrUnexpectedSignal) {
		t.Error("OpError should unwrap to its cause")
	}
	if got := err.Error(); got != "handle signal bob: unexpected signal type (pranswer)" {
		t.Errorf("unexpected message %q", got)
	}
}
