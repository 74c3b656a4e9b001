package wire

import "fmt"

// Frame is one decoded data-channel payload: either a probe or a batch of
// jam events, never both.
type Frame struct {
	Control *Control
	Events  []Event
}

// IsControl reports whether the frame carries a ping or pong.
func (f Frame) IsControl() bool { return f.Control != nil }

// envelope is the union of every map-shaped payload so a frame is parsed once.
type envelope struct {
	Type              Kind     `json:"type" msgpack:"type"`
	SenderID          string   `json:"senderId" msgpack:"senderId"`
	Timestamp         int64    `json:"timestamp" msgpack:"timestamp"`
	OriginalTimestamp int64    `json:"originalTimestamp" msgpack:"originalTimestamp"`
	Instrument        string   `json:"instrument" msgpack:"instrument"`
	Note              *Note    `json:"note" msgpack:"note"`
	CC                *int     `json:"cc" msgpack:"cc"`
	Value             *float64 `json:"value" msgpack:"value"`
	Velocity          uint8    `json:"velocity" msgpack:"velocity"`
	RoomTime          float64  `json:"roomTime" msgpack:"roomTime"`
	Events            []Event  `json:"events" msgpack:"events"`
}

func (e envelope) event() Event {
	return Event{
		Type:       e.Type,
		Instrument: e.Instrument,
		Note:       e.Note,
		CC:         e.CC,
		Value:      e.Value,
		Velocity:   e.Velocity,
		RoomTime:   e.RoomTime,
		SenderID:   e.SenderID,
		Timestamp:  e.Timestamp,
	}
}

// Decode parses a payload in any accepted shape: a probe, a single bare
// event, a bare array of events, or a tagged {events: [...]} bundle.
// Every event is validated; one invalid event rejects the whole frame.
func Decode(c Codec, data []byte) (Frame, error) {
	switch c.shape(data) {
	case shapeArray:
		var events []Event
		if err := c.Unmarshal(data, &events); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return eventsFrame(events)

	case shapeObject:
		var env envelope
		if err := c.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Events != nil {
			return eventsFrame(env.Events)
		}
		if env.Type.IsControl() {
			ctrl := Control{
				Type:              env.Type,
				SenderID:          env.SenderID,
				Timestamp:         env.Timestamp,
				OriginalTimestamp: env.OriginalTimestamp,
			}
			if err := ctrl.Validate(); err != nil {
				return Frame{}, err
			}
			return Frame{Control: &ctrl}, nil
		}
		return eventsFrame([]Event{env.event()})
	}
	return Frame{}, fmt.Errorf("%w: unrecognised %s payload", ErrMalformed, c.Name())
}

func eventsFrame(events []Event) (Frame, error) {
	if len(events) == 0 {
		return Frame{}, ErrEmptyBundle
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return Frame{}, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return Frame{Events: events}, nil
}

// EncodeEvents encodes a flush batch: one event goes out bare for
// interop, several as a tagged bundle.
func EncodeEvents(c Codec, events []Event) ([]byte, error) {
	switch len(events) {
	case 0:
		return nil, ErrEmptyBundle
	case 1:
		return c.Marshal(events[0])
	}
	return c.Marshal(Bundle{Events: events})
}

// EncodeControl encodes a ping or pong.
func EncodeControl(c Codec, ctrl Control) ([]byte, error) {
	return c.Marshal(ctrl)
}
