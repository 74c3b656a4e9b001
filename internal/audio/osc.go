package audio

import (
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

// AddressPrefix prefixes every OSC address; the event kind follows.
const AddressPrefix = "/jam/"

// Timebase maps audio-clock seconds to wall time for OSC timetags.
type Timebase interface {
	WallAt(seconds float64) time.Time
}

// OSCSink forwards renders to an OSC synth over UDP. Scheduled renders are
// sent as a bundle timetagged at the target; immediate ones as a bare
// message.
type OSCSink struct {
	conn *osc.UDPConn
	tb   Timebase
	log  *slog.Logger
}

// DialOSC connects to the synth at addr (host:port).
func DialOSC(addr string, tb Timebase, logger *slog.Logger) (*OSCSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving osc address")
	}
	conn, err := osc.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing osc synth")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OSCSink{conn: conn, tb: tb, log: logger}, nil
}

// Message builds the OSC message for ev.
func Message(ev wire.Event) osc.Message {
	args := osc.Arguments{osc.String(ev.Instrument)}
	switch {
	case ev.Note != nil && ev.Note.IsNamed():
		args = append(args, osc.String(ev.Note.Name()), osc.Int(int32(ev.Velocity)))
	case ev.Note != nil:
		args = append(args, osc.Int(int32(ev.Note.Pitch())), osc.Int(int32(ev.Velocity)))
	case ev.CC != nil:
		args = append(args, osc.Int(int32(*ev.CC)))
	}
	if ev.Value != nil {
		args = append(args, osc.Float(float32(*ev.Value)))
	}
	return osc.Message{
		Address:   AddressPrefix + string(ev.Type),
		Arguments: args,
	}
}

func (s *OSCSink) RenderAt(ev wire.Event, at float64) {
	bundle := osc.Bundle{
		Timetag: osc.FromTime(s.tb.WallAt(at)),
		Packets: []osc.Packet{Message(ev)},
	}
	if err := s.conn.Send(bundle); err != nil {
		s.log.Warn("osc send failed", "error", errors.Wrap(err, "sending bundle"))
	}
}

func (s *OSCSink) RenderNow(ev wire.Event) {
	if err := s.conn.Send(Message(ev)); err != nil {
		s.log.Warn("osc send failed", "error", errors.Wrap(err, "sending message"))
	}
}

// Close releases the UDP socket.
func (s *OSCSink) Close() error {
	return errors.Wrap(s.conn.Close(), "closing osc connection")
}
