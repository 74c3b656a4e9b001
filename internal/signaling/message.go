package signaling

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope for every websocket message between a client and
// the hub.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
}

// Message type constants.
const (
	MessageTypeJoinRoom    = "join_room"
	MessageTypeLeaveRoom   = "leave_room"
	MessageTypeSignal      = "signal"
	MessageTypeTimeRequest = "time_request"

	MessageTypeRoomJoined   = "room_joined"
	MessageTypePeerJoined   = "peer_joined"
	MessageTypePeerLeft     = "peer_left"
	MessageTypeTimeResponse = "time_response"
	MessageTypeError        = "error"
)

// PeerInfo describes a room member.
type PeerInfo struct {
	PeerID     string `json:"peer_id"`
	ClientType string `json:"client_type,omitempty"`
	Name       string `json:"name,omitempty"`
}

// JoinPayload asks to join a room. PeerID may be empty to let the hub pick.
type JoinPayload struct {
	PeerID     string `json:"peer_id,omitempty"`
	ClientType string `json:"client_type"`
	Name       string `json:"name,omitempty"`
}

// RoomJoinedPayload is the hub's reply to a join: the caller's id, the room
// origin timestamp (Unix ms) and everyone already present.
type RoomJoinedPayload struct {
	PeerID string     `json:"peer_id"`
	Origin int64      `json:"origin"`
	Peers  []PeerInfo `json:"peers"`
}

// PeerLeftPayload names the departed peer.
type PeerLeftPayload struct {
	PeerID string `json:"peer_id"`
}

// SignalPayload carries WebRTC signaling data (SDP offer/answer or ICE
// candidate).
type SignalPayload struct {
	Type         string          `json:"type,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	ICECandidate json.RawMessage `json:"ice_candidate,omitempty"`
}

// TimeRequestPayload asks for the hub's wall clock.
type TimeRequestPayload struct {
	ClientTime int64 `json:"client_time"`
}

// TimeResponsePayload echoes the request's client time next to the hub's.
type TimeResponsePayload struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
}

// ErrorPayload represents error messages from the hub.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewMessage builds an envelope with payload marshalled to JSON.
func NewMessage(typ string, payload any) (*Message, error) {
	msg := &Message{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", m.Type, err)
	}
	return nil
}
