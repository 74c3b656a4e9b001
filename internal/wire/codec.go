package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
	CodecCBOR    = "cbor"
)

type shape int

const (
	shapeUnknown shape = iota
	shapeObject
	shapeArray
)

// Codec marshals wire frames for one peer channel.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	// shape sniffs whether data holds a map or an array without decoding it.
	shape(data []byte) shape
}

type jsonCodec struct{}

// JSON returns the default codec, interoperable with browser peers.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                       { return CodecJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) shape(data []byte) shape {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 {
		return shapeUnknown
	}
	switch data[0] {
	case '{':
		return shapeObject
	case '[':
		return shapeArray
	}
	return shapeUnknown
}

type msgpackCodec struct{}

// Msgpack returns the compact codec used between CLI peers.
func Msgpack() Codec { return msgpackCodec{} }

func (msgpackCodec) Name() string                       { return CodecMsgpack }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (msgpackCodec) shape(data []byte) shape {
	if len(data) == 0 {
		return shapeUnknown
	}
	c := data[0]
	switch {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		return shapeObject
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		return shapeArray
	}
	return shapeUnknown
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a CBOR codec with the core deterministic encoding profile.
func CBOR() (Codec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Name() string                       { return CodecCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func (cborCodec) shape(data []byte) shape {
	if len(data) == 0 {
		return shapeUnknown
	}
	switch data[0] >> 5 {
	case 5:
		return shapeObject
	case 4:
		return shapeArray
	}
	return shapeUnknown
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSON(), nil
	case CodecMsgpack:
		return Msgpack(), nil
	case CodecCBOR:
		return CBOR()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// SelectCodec picks the codec for a peer from its advertised client type.
// CLI peers understand msgpack; everything else gets JSON.
func SelectCodec(clientType string) Codec {
	if clientType == "cli" {
		return Msgpack()
	}
	return JSON()
}
