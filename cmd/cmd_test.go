package cmd

import (
	"testing"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/config"
)

func TestListenPort(t *testing.T) {
	port, err := listenPort(":9000")
	if err != nil || port != 9000 {
		t.Fatalf("listenPort(:9000) = %d, %v", port, err)
	}
	for _, addr := range []string{"9000", ":0", "host:http"} {
		if _, err := listenPort(addr); err == nil {
			t.Errorf("listenPort(%q) should fail", addr)
		}
	}
}

func TestSessionConfigCarriesTuning(t *testing.T) {
	cfg := &config.Config{Tuning: config.DefaultTuning()}
	cfg.Tuning.Spacing = 45 * time.Millisecond
	cfg.Tuning.SafetyOffset = 7 * time.Millisecond
	cfg.Tuning.MaxOffsetJump = 2 * time.Second

	sc := SessionConfig(cfg, "alice", "jazz", "Alice", "cbor")

	if sc.SelfID != "alice" || sc.RoomID != "jazz" || sc.Name != "Alice" || sc.Codec != "cbor" {
		t.Fatalf("identity = %+v", sc)
	}
	if sc.Admission.Spacing != 45*time.Millisecond {
		t.Errorf("spacing = %v", sc.Admission.Spacing)
	}
	if sc.Scheduler.SafetyOffset != 7*time.Millisecond {
		t.Errorf("safety offset = %v", sc.Scheduler.SafetyOffset)
	}
	if sc.Filter.MaxOffsetJump != 2*time.Second {
		t.Errorf("max offset jump = %v", sc.Filter.MaxOffsetJump)
	}
	if len(sc.Scheduler.Percussive) == 0 {
		t.Error("percussive instruments not carried")
	}
}
