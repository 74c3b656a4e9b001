package signaling

import "log/slog"

// SignalMessage is a relayed signal and who sent it.
type SignalMessage struct {
	From    string
	Payload SignalPayload
}

// Handler routes incoming hub messages to typed channels.
type Handler struct {
	client *Client
	log    *slog.Logger

	RoomJoined chan *RoomJoinedPayload
	PeerJoined chan *PeerInfo
	PeerLeft   chan string
	Signal     chan *SignalMessage
	Error      chan string
}

// NewHandler creates a handler reading from client.
func NewHandler(client *Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:     client,
		log:        logger,
		RoomJoined: make(chan *RoomJoinedPayload, 1),
		PeerJoined: make(chan *PeerInfo, 16),
		PeerLeft:   make(chan string, 16),
		Signal:     make(chan *SignalMessage, 64),
		Error:      make(chan string, 4),
	}
}

// Start routes messages until the connection drops, then closes every
// channel.
func (h *Handler) Start() {
	defer h.close()

	for msg := range h.client.Incoming() {
		switch msg.Type {
		case MessageTypeRoomJoined:
			var p RoomJoinedPayload
			if h.decode(msg, &p) {
				deliver(h.RoomJoined, &p, h.client.Done())
			}

		case MessageTypePeerJoined:
			var p PeerInfo
			if h.decode(msg, &p) {
				deliver(h.PeerJoined, &p, h.client.Done())
			}

		case MessageTypePeerLeft:
			var p PeerLeftPayload
			if h.decode(msg, &p) {
				deliver(h.PeerLeft, p.PeerID, h.client.Done())
			}

		case MessageTypeSignal:
			var p SignalPayload
			if h.decode(msg, &p) {
				deliver(h.Signal, &SignalMessage{From: msg.From, Payload: p}, h.client.Done())
			}

		case MessageTypeError:
			var p ErrorPayload
			if !h.decode(msg, &p) {
				p.Error = "unknown error from hub"
			}
			deliver(h.Error, p.Error, h.client.Done())

		default:
			h.log.Debug("ignoring hub message", "type", msg.Type)
		}
	}
}

func (h *Handler) decode(msg *Message, v any) bool {
	if err := msg.DecodePayload(v); err != nil {
		h.log.Warn("malformed hub message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// deliver blocks on send unless the client is shutting down.
func deliver[T any](ch chan T, v T, done <-chan struct{}) {
	select {
	case ch <- v:
	case <-done:
	}
}

func (h *Handler) close() {
	close(h.RoomJoined)
	close(h.PeerJoined)
	close(h.PeerLeft)
	close(h.Signal)
	close(h.Error)
}
