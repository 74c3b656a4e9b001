package session

import (
	"slices"
	"strings"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/admission"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/clock"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/latency"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/mesh"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/scheduler"
)

// PeerStats is one row of the peer table.
type PeerStats struct {
	ID      string
	State   mesh.State
	Latency latency.Estimate
}

// Stats is a diagnostics snapshot of a session.
type Stats struct {
	RoomTime            float64
	Offset              clock.Offset
	CalibrationFailures int
	Admission           admission.Stats
	Scheduler           scheduler.Stats
	Bundles             int
	Malformed           uint64
	Peers               []PeerStats
}

func (s *Stats) sortPeers() {
	slices.SortFunc(s.Peers, func(a, b PeerStats) int {
		return strings.Compare(a.ID, b.ID)
	})
}
