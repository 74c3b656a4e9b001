package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
)

var hubNow = time.UnixMilli(1_700_000_123_456)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New(Options{Now: func() time.Time { return hubNow }})
	go h.Run(ctx)

	srv := httptest.NewServer(Routes(h))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type peer struct {
	client  *signaling.Client
	handler *signaling.Handler
}

func join(t *testing.T, url, room, id string) (*peer, *signaling.RoomJoinedPayload) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := signaling.NewClient(url, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	h := signaling.NewHandler(c, nil)
	go h.Start()
	t.Cleanup(c.Close)

	if err := c.Join(room, signaling.JoinPayload{PeerID: id, ClientType: "cli"}); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	select {
	case joined := <-h.RoomJoined:
		return &peer{client: c, handler: h}, joined
	case msg := <-h.Error:
		t.Fatalf("join %s failed: %s", id, msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("join %s timed out", id)
	}
	return nil, nil
}

func TestRoomOriginStableForAllJoiners(t *testing.T) {
	_, url := startHub(t)

	alice, first := join(t, url, "jam", "alice")
	_, second := join(t, url, "jam", "bob")

	if first.Origin != hubNow.UnixMilli() || second.Origin != first.Origin {
		t.Errorf("origins differ: %d vs %d", first.Origin, second.Origin)
	}
	if len(first.Peers) != 0 {
		t.Errorf("first joiner should see an empty room, got %v", first.Peers)
	}
	if len(second.Peers) != 1 || second.Peers[0].PeerID != "alice" || second.Peers[0].ClientType != "cli" {
		t.Errorf("second joiner should see alice, got %v", second.Peers)
	}

	select {
	case p := <-alice.handler.PeerJoined:
		if p.PeerID != "bob" {
			t.Errorf("expected bob joined, got %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alice never saw bob join")
	}
}

func TestSignalRoutedOnlyToTarget(t *testing.T) {
	_, url := startHub(t)
	alice, _ := join(t, url, "jam", "alice")
	bob, _ := join(t, url, "jam", "bob")
	carol, _ := join(t, url, "jam", "carol")

	if err := alice.client.Signal("bob", signaling.SignalPayload{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	select {
	case sig := <-bob.handler.Signal:
		if sig.From != "alice" || sig.Payload.Type != "offer" || sig.Payload.SDP != "v=0" {
			t.Errorf("unexpected signal %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never got the signal")
	}

	select {
	case sig := <-carol.handler.Signal:
		t.Errorf("carol should not receive signals for bob, got %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeResponseEchoesClientTime(t *testing.T) {
	_, url := startHub(t)
	alice, _ := join(t, url, "jam", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sample, err := alice.client.RequestTime(ctx)
	if err != nil {
		t.Fatalf("time request: %v", err)
	}
	if sample.ServerTime != hubNow.UnixMilli() {
		t.Errorf("expected server time %d, got %d", hubNow.UnixMilli(), sample.ServerTime)
	}
	if sample.RoundTrip < 0 || sample.ReceivedAt.Before(sample.SentAt) {
		t.Errorf("bad round trip %+v", sample)
	}
}

func TestLeaveNotifiesAndEmptyRoomIsDeleted(t *testing.T) {
	h, url := startHub(t)
	alice, _ := join(t, url, "jam", "alice")
	bob, _ := join(t, url, "jam", "bob")
	<-alice.handler.PeerJoined

	bob.client.Close()
	select {
	case id := <-alice.handler.PeerLeft:
		if id != "bob" {
			t.Errorf("expected bob left, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alice never saw bob leave")
	}

	if err := alice.client.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rooms, err := h.Rooms(context.Background())
		if err != nil {
			t.Fatalf("rooms: %v", err)
		}
		if len(rooms) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("room not deleted: %+v", rooms)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDuplicatePeerIDRejected(t *testing.T) {
	_, url := startHub(t)
	join(t, url, "jam", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := signaling.NewClient(url, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	h := signaling.NewHandler(c, nil)
	go h.Start()

	c.Join("jam", signaling.JoinPayload{PeerID: "alice"})
	select {
	case msg := <-h.Error:
		if !strings.Contains(msg, "in use") {
			t.Errorf("unexpected error %q", msg)
		}
	case <-h.RoomJoined:
		t.Fatal("duplicate id should not join")
	case <-time.After(2 * time.Second):
		t.Fatal("no response to duplicate join")
	}
}
