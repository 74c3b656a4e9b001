package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/session"
)

// PeerTableView renders the live peer list.
func PeerTableView(peers []session.PeerStats) string {
	if len(peers) == 0 {
		return MutedStyle.Render("No peers yet")
	}

	var rows [][]string
	for _, p := range peers {
		lat := "-"
		if p.Latency.Measured {
			lat = formatMs(p.Latency.Latency)
		}
		rows = append(rows, []string{p.ID, p.State.String(), lat, fmt.Sprintf("%d", p.Latency.Samples)})
	}

	tbl := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Peer", "State", "Latency", "Samples").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == ltable.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// SummaryView renders the diagnostics printed when a session ends.
func SummaryView(title string, st session.Stats) string {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room time", fmt.Sprintf("%.3f s", st.RoomTime)},
		{"Clock offset", fmt.Sprintf("%.1f ms (±%.1f)", st.Offset.Ms, st.Offset.JitterMs)},
		{"Calibrations", fmt.Sprintf("%d ok, %d rejected, %d failed", st.Offset.Updates, st.Offset.Rejected, st.CalibrationFailures)},
		{"Accepted", st.Admission.Accepted},
		{"Filtered", fmt.Sprintf("%d dup, %d stale, %d overlap", st.Admission.Duplicate, st.Admission.Stale, st.Admission.Overlap)},
		{"Scheduled", fmt.Sprintf("%d (%d immediate, %d clamped, %d degraded)", st.Scheduler.Scheduled, st.Scheduler.Immediate, st.Scheduler.Clamped, st.Scheduler.Degraded)},
		{"Bundles sent", st.Bundles},
		{"Malformed", st.Malformed},
	})

	if h := st.Admission.Jitter; h.Total() > 0 {
		t.AppendSeparator()
		for i, n := range h.Counts {
			if n > 0 {
				t.AppendRow(table.Row{"Jitter " + h.Label(i), n})
			}
		}
	}
	return t.Render()
}

func RenderSummary(title string, st session.Stats) {
	fmt.Println(SummaryView(title, st))
}

func formatMs(d time.Duration) string {
	return fmt.Sprintf("%.1f ms", float64(d)/float64(time.Millisecond))
}
