package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/session"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

const (
	recentEvents = 6

	// DefaultGate is how long a keyboard note sounds before its noteOff.
	DefaultGate = 200 * time.Millisecond
)

// DefaultKeymap maps the home row to a C major scale and the bottom row to
// drum hits.
var DefaultKeymap = map[string]wire.Note{
	"a": wire.Pitched(60),
	"s": wire.Pitched(62),
	"d": wire.Pitched(64),
	"f": wire.Pitched(65),
	"g": wire.Pitched(67),
	"h": wire.Pitched(69),
	"j": wire.Pitched(71),
	"k": wire.Pitched(72),
	"z": wire.Named("kick"),
	"x": wire.Named("snare"),
	"c": wire.Named("hihat"),
}

// StatsSource supplies the periodic diagnostics snapshot.
type StatsSource interface {
	Stats() (session.Stats, error)
}

// PlayFunc submits a local noteOn or noteOff.
type PlayFunc func(note wire.Note, kind wire.Kind) error

// TickMsg is sent periodically to refresh the stats
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

type eventMsg wire.Event

// releaseMsg ends a gated keyboard note.
type releaseMsg struct{ note wire.Note }

// StatusModel is the live room view.
type StatusModel struct {
	room   string
	self   string
	src    StatsSource
	play   PlayFunc
	keymap map[string]wire.Note
	gate   time.Duration

	events  chan wire.Event
	spinner spinner.Model

	stats    session.Stats
	recent   []string
	lastErr  string
	quitting bool
}

// NewStatusModel creates the view for room. play may be nil for a
// listen-only client.
func NewStatusModel(room, self string, src StatsSource, play PlayFunc) *StatusModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &StatusModel{
		room:    room,
		self:    self,
		src:     src,
		play:    play,
		keymap:  DefaultKeymap,
		gate:    DefaultGate,
		events:  make(chan wire.Event, 64),
		spinner: s,
	}
}

// Feed shows ev in the recent list. It never blocks; it is safe to call
// from a session subscriber.
func (m *StatusModel) Feed(ev wire.Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *StatusModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.waitForEvents(),
		tickCmd(),
	)
}

func (m *StatusModel) waitForEvents() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.events)
	}
}

func (m *StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		if note, ok := m.keymap[key]; ok && m.play != nil {
			if err := m.play(note, wire.KindNoteOn); err != nil {
				m.lastErr = err.Error()
				break
			}
			cmds = append(cmds, tea.Tick(m.gate, func(time.Time) tea.Msg {
				return releaseMsg{note: note}
			}))
		}

	case releaseMsg:
		if err := m.play(msg.note, wire.KindNoteOff); err != nil {
			m.lastErr = err.Error()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case TickMsg:
		m.refresh()
		if !m.quitting {
			cmds = append(cmds, tickCmd())
		}

	case eventMsg:
		m.push(wire.Event(msg))
		cmds = append(cmds, m.waitForEvents())
	}

	return m, tea.Batch(cmds...)
}

func (m *StatusModel) refresh() {
	st, err := m.src.Stats()
	if err != nil {
		m.lastErr = err.Error()
		return
	}
	m.stats = st
}

func (m *StatusModel) push(ev wire.Event) {
	if ev.Type == wire.KindNoteOff {
		return
	}
	who := ev.SenderID
	if who == m.self {
		who = BoldStyle.Render("you")
	}
	line := fmt.Sprintf("%s %-8s %-13s %-10s %s", IconNote, who, ev.Type, ev.Instrument, ev.Target())
	m.recent = append(m.recent, line)
	if len(m.recent) > recentEvents {
		m.recent = m.recent[len(m.recent)-recentEvents:]
	}
}

func (m *StatusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("%s jamsync - room %s", IconRoom, m.room)) + " " +
		StatusStyle.Render(fmt.Sprintf("%s %d peers", IconPeer, len(m.stats.Peers))) + "\n")

	clockLine := fmt.Sprintf("%s room time %.3fs", IconClock, m.stats.RoomTime)
	if m.stats.Offset.Initialized {
		clockLine += MutedStyle.Render(fmt.Sprintf("  offset %.1f ms ±%.1f", m.stats.Offset.Ms, m.stats.Offset.JitterMs))
	} else {
		clockLine = m.spinner.View() + " " + clockLine + MutedStyle.Render("  calibrating")
	}
	b.WriteString(clockLine + "\n\n")

	b.WriteString(PeerTableView(m.stats.Peers) + "\n")

	if len(m.recent) > 0 {
		b.WriteString("\n" + BoxStyle.Render(strings.Join(m.recent, "\n")) + "\n")
	}

	b.WriteString(MutedStyle.Render(fmt.Sprintf("accepted %d  filtered %d  malformed %d",
		m.stats.Admission.Accepted, m.stats.Admission.Filtered(), m.stats.Malformed)) + "\n")

	if m.lastErr != "" {
		b.WriteString(ErrorStyle.Render(m.lastErr) + "\n")
	}
	b.WriteString(FooterStyle.Render("a-k: notes  z/x/c: drums  q: quit"))
	return b.String()
}

// RunStatus runs the view until the user quits or ctx is done.
func RunStatus(ctx context.Context, m *StatusModel) error {
	p := tea.NewProgram(m)
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	return err
}
