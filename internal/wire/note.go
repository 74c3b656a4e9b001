package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxNoteNameLen bounds named (percussion-style) note identifiers.
const MaxNoteNameLen = 32

var (
	ErrNoteRange = errors.New("note number out of range 0-127")
	ErrNoteName  = errors.New("note name must be 1-32 bytes")
	ErrNoteType  = errors.New("note must be a number or a string")
)

// Note is either a pitched MIDI note number or a short named identifier
// such as "kick" or "snare". The zero value is pitch 0.
type Note struct {
	pitch uint8
	name  string
	named bool
}

// Pitched returns a numeric note.
func Pitched(n uint8) Note {
	return Note{pitch: n}
}

// Named returns a string note identifier.
func Named(name string) Note {
	return Note{name: name, named: true}
}

// ParseNote accepts "60" as a pitch and anything else as a name.
func ParseNote(s string) (Note, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return noteFromNumber(float64(n))
	}
	return noteFromString(s)
}

func (n Note) IsNamed() bool { return n.named }
func (n Note) Pitch() uint8  { return n.pitch }
func (n Note) Name() string  { return n.name }

func (n Note) String() string {
	if n.named {
		return n.name
	}
	return strconv.Itoa(int(n.pitch))
}

func noteFromNumber(f float64) (Note, error) {
	if f != math.Trunc(f) || f < 0 || f > 127 {
		return Note{}, fmt.Errorf("%w: %v", ErrNoteRange, f)
	}
	return Pitched(uint8(f)), nil
}

func noteFromString(s string) (Note, error) {
	if len(s) == 0 || len(s) > MaxNoteNameLen {
		return Note{}, ErrNoteName
	}
	return Named(s), nil
}

// noteFromAny validates a loosely decoded value from any codec.
func noteFromAny(v any) (Note, error) {
	switch x := v.(type) {
	case string:
		return noteFromString(x)
	case int64:
		return noteFromNumber(float64(x))
	case uint64:
		if x > 127 {
			return Note{}, fmt.Errorf("%w: %d", ErrNoteRange, x)
		}
		return Pitched(uint8(x)), nil
	case float64:
		return noteFromNumber(x)
	case float32:
		return noteFromNumber(float64(x))
	default:
		return Note{}, fmt.Errorf("%w: %T", ErrNoteType, v)
	}
}

func (n Note) MarshalJSON() ([]byte, error) {
	if n.named {
		return json.Marshal(n.name)
	}
	return json.Marshal(n.pitch)
}

func (n *Note) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	note, err := noteFromAny(v)
	if err != nil {
		return err
	}
	*n = note
	return nil
}

func (n Note) EncodeMsgpack(enc *msgpack.Encoder) error {
	if n.named {
		return enc.EncodeString(n.name)
	}
	return enc.EncodeUint8(n.pitch)
}

func (n *Note) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	note, err := noteFromAny(v)
	if err != nil {
		return err
	}
	*n = note
	return nil
}

func (n Note) MarshalCBOR() ([]byte, error) {
	if n.named {
		return cbor.Marshal(n.name)
	}
	return cbor.Marshal(n.pitch)
}

func (n *Note) UnmarshalCBOR(data []byte) error {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	note, err := noteFromAny(v)
	if err != nil {
		return err
	}
	*n = note
	return nil
}
