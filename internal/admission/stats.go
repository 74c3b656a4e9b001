package admission

import (
	"fmt"
	"time"
)

// Stats are diagnostics only; they never influence a decision.
type Stats struct {
	Accepted  uint64
	Duplicate uint64
	Stale     uint64
	Overlap   uint64
	Jitter    Histogram
}

// Filtered is the total number of rejected events.
func (s Stats) Filtered() uint64 {
	return s.Duplicate + s.Stale + s.Overlap
}

var jitterBounds = []time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Histogram buckets event arrival age (receiver room now minus event room
// time). Counts[i] holds ages below Bounds[i]; the last count is overflow.
type Histogram struct {
	Bounds []time.Duration
	Counts []uint64
}

func newHistogram() Histogram {
	return Histogram{
		Bounds: jitterBounds,
		Counts: make([]uint64, len(jitterBounds)+1),
	}
}

func (h *Histogram) observe(age time.Duration) {
	for i, b := range h.Bounds {
		if age < b {
			h.Counts[i]++
			return
		}
	}
	h.Counts[len(h.Counts)-1]++
}

func (h Histogram) clone() Histogram {
	return Histogram{
		Bounds: h.Bounds,
		Counts: append([]uint64(nil), h.Counts...),
	}
}

// Total is the number of observations.
func (h Histogram) Total() uint64 {
	var n uint64
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// Label names bucket i, e.g. "<20ms" or ">=1s".
func (h Histogram) Label(i int) string {
	if i < len(h.Bounds) {
		return fmt.Sprintf("<%v", h.Bounds[i])
	}
	return fmt.Sprintf(">=%v", h.Bounds[len(h.Bounds)-1])
}
