package wire

import (
	"errors"
	"fmt"
	"math"
)

// Kind is the "type" discriminator shared by control and jam payloads.
type Kind string

const (
	KindPing Kind = "ping"
	KindPong Kind = "pong"

	KindNoteOn        Kind = "noteOn"
	KindNoteOff       Kind = "noteOff"
	KindControlChange Kind = "controlChange"
	KindTempo         Kind = "tempo"
	KindPitchBend     Kind = "pitchBend"
)

var (
	ErrUnknownKind   = errors.New("unknown message type")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidField  = errors.New("invalid field value")
	ErrMalformed     = errors.New("malformed frame")
	ErrEmptyBundle   = errors.New("empty bundle")
	ErrUnknownCodec  = errors.New("unknown codec")
	ErrNotJamPayload = errors.New("not a jam payload")
)

// IsControl reports whether k is a latency probe message.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindPong
}

// IsJam reports whether k is a performance event.
func (k Kind) IsJam() bool {
	switch k {
	case KindNoteOn, KindNoteOff, KindControlChange, KindTempo, KindPitchBend:
		return true
	}
	return false
}

// Control is a ping or pong exchanged between two peers.
type Control struct {
	Type              Kind   `json:"type" msgpack:"type"`
	SenderID          string `json:"senderId" msgpack:"senderId"`
	Timestamp         int64  `json:"timestamp" msgpack:"timestamp"`
	OriginalTimestamp int64  `json:"originalTimestamp,omitempty" msgpack:"originalTimestamp,omitempty"`
}

// Event is a single jam event. Which of Note, CC and Value is set depends on Type.
type Event struct {
	Type       Kind     `json:"type" msgpack:"type"`
	Instrument string   `json:"instrument" msgpack:"instrument"`
	Note       *Note    `json:"note,omitempty" msgpack:"note,omitempty"`
	CC         *int     `json:"cc,omitempty" msgpack:"cc,omitempty"`
	Value      *float64 `json:"value,omitempty" msgpack:"value,omitempty"`
	Velocity   uint8    `json:"velocity,omitempty" msgpack:"velocity,omitempty"`
	RoomTime   float64  `json:"roomTime" msgpack:"roomTime"`
	SenderID   string   `json:"senderId" msgpack:"senderId"`
	Timestamp  int64    `json:"timestamp" msgpack:"timestamp"`
}

// Bundle is the tagged multi-event frame.
type Bundle struct {
	Events []Event `json:"events" msgpack:"events"`
}

// Target returns the identifier an event acts on: the note for note events,
// the controller number for control changes, and the kind otherwise.
func (e Event) Target() string {
	switch {
	case e.Note != nil:
		return e.Note.String()
	case e.CC != nil:
		return fmt.Sprintf("cc%d", *e.CC)
	default:
		return string(e.Type)
	}
}

// Validate checks the structural invariants of a decoded event.
func (e Event) Validate() error {
	if !e.Type.IsJam() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: senderId", ErrMissingField)
	}
	if e.Instrument == "" {
		return fmt.Errorf("%w: instrument", ErrMissingField)
	}
	if e.Velocity > 127 {
		return fmt.Errorf("%w: velocity %d", ErrInvalidField, e.Velocity)
	}
	if !finite(e.RoomTime) {
		return fmt.Errorf("%w: roomTime %v", ErrInvalidField, e.RoomTime)
	}
	if e.Value != nil && !finite(*e.Value) {
		return fmt.Errorf("%w: value %v", ErrInvalidField, *e.Value)
	}
	switch e.Type {
	case KindNoteOn, KindNoteOff:
		if e.Note == nil {
			return fmt.Errorf("%w: note", ErrMissingField)
		}
	case KindControlChange:
		if e.CC == nil {
			return fmt.Errorf("%w: cc", ErrMissingField)
		}
		if *e.CC < 0 || *e.CC > 127 {
			return fmt.Errorf("%w: cc %d", ErrInvalidField, *e.CC)
		}
		if e.Value == nil {
			return fmt.Errorf("%w: value", ErrMissingField)
		}
	case KindTempo:
		if e.Value == nil {
			return fmt.Errorf("%w: value", ErrMissingField)
		}
		if *e.Value <= 0 {
			return fmt.Errorf("%w: tempo %v", ErrInvalidField, *e.Value)
		}
	case KindPitchBend:
		if e.Value == nil {
			return fmt.Errorf("%w: value", ErrMissingField)
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks a decoded ping or pong.
func (c Control) Validate() error {
	if !c.Type.IsControl() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Type)
	}
	if c.SenderID == "" {
		return fmt.Errorf("%w: senderId", ErrMissingField)
	}
	return nil
}

// NewPing creates a probe stamped with sentAt (Unix ms).
func NewPing(senderID string, sentAt int64) Control {
	return Control{Type: KindPing, SenderID: senderID, Timestamp: sentAt}
}

// NewPong answers ping, echoing its timestamp.
func NewPong(senderID string, ping Control, now int64) Control {
	return Control{
		Type:              KindPong,
		SenderID:          senderID,
		OriginalTimestamp: ping.Timestamp,
		Timestamp:         now,
	}
}
