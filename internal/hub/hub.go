// Package hub is the websocket signaling server. It keeps rooms of peers,
// hands every joiner the room's origin timestamp, relays WebRTC signals
// between members, and answers clock requests.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
)

// Room is a set of peers sharing one timeline.
type Room struct {
	ID      string
	Origin  int64 // Unix ms at creation
	Members map[string]*Client
}

func (r *Room) roster(except string) []signaling.PeerInfo {
	peers := make([]signaling.PeerInfo, 0, len(r.Members))
	for id, c := range r.Members {
		if id == except {
			continue
		}
		peers = append(peers, c.info())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

type inbound struct {
	client *Client
	msg    *signaling.Message
}

// Options configure a Hub.
type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Hub owns every room. All state is touched only by Run.
type Hub struct {
	rooms map[string]*Room

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	query      chan func()
	done       chan struct{}

	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

// New creates a hub. Call Run to start it.
func New(opts Options) *Hub {
	h := &Hub{
		rooms:      make(map[string]*Room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		query:      make(chan func()),
		done:       make(chan struct{}),
		now:        opts.Now,
		newID:      opts.NewID,
		log:        opts.Logger,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// Run is the single goroutine that manages rooms and clients.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.log.Debug("client registered", "remote", c.remote)

		case c := <-h.unregister:
			h.log.Debug("client unregistered", "remote", c.remote, "peer", c.peerID)
			h.leave(c)
			close(c.send)

		case in := <-h.inbound:
			h.handle(in.client, in.msg)

		case fn := <-h.query:
			fn()
		}
	}
}

func (h *Hub) handle(c *Client, msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeJoinRoom:
		h.join(c, msg)

	case signaling.MessageTypeLeaveRoom:
		h.leave(c)

	case signaling.MessageTypeSignal:
		h.relay(c, msg)

	default:
		h.log.Debug("unknown message type", "type", msg.Type, "remote", c.remote)
	}
}

func (h *Hub) join(c *Client, msg *signaling.Message) {
	if msg.RoomID == "" {
		c.sendError("room id required")
		return
	}
	if c.roomID != "" {
		c.sendError("already in a room")
		return
	}

	var p signaling.JoinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError("invalid join payload")
			return
		}
	}

	room, ok := h.rooms[msg.RoomID]
	if !ok {
		room = &Room{
			ID:      msg.RoomID,
			Origin:  h.now().UnixMilli(),
			Members: make(map[string]*Client),
		}
		h.rooms[room.ID] = room
		h.log.Info("room created", "room", room.ID, "origin", room.Origin)
	}

	id := p.PeerID
	if id == "" {
		id = h.newID()
	}
	if _, taken := room.Members[id]; taken {
		c.sendError("peer id already in use")
		if len(room.Members) == 0 {
			delete(h.rooms, room.ID)
		}
		return
	}

	c.peerID = id
	c.roomID = room.ID
	c.clientType = p.ClientType
	c.name = p.Name

	joined, _ := signaling.NewMessage(signaling.MessageTypeRoomJoined, signaling.RoomJoinedPayload{
		PeerID: id,
		Origin: room.Origin,
		Peers:  room.roster(""),
	})
	joined.RoomID = room.ID

	announce, _ := signaling.NewMessage(signaling.MessageTypePeerJoined, c.info())
	announce.RoomID = room.ID
	for _, other := range room.Members {
		other.deliver(announce)
	}

	room.Members[id] = c
	c.deliver(joined)
	h.log.Info("peer joined room", "room", room.ID, "peer", id, "client_type", c.clientType, "members", len(room.Members))
}

func (h *Hub) leave(c *Client) {
	if c.roomID == "" {
		return
	}
	room, ok := h.rooms[c.roomID]
	peerID := c.peerID
	c.roomID = ""
	c.peerID = ""
	if !ok {
		return
	}

	delete(room.Members, peerID)
	if len(room.Members) == 0 {
		delete(h.rooms, room.ID)
		h.log.Info("room deleted", "room", room.ID)
		return
	}

	left, _ := signaling.NewMessage(signaling.MessageTypePeerLeft, signaling.PeerLeftPayload{PeerID: peerID})
	left.RoomID = room.ID
	for _, other := range room.Members {
		other.deliver(left)
	}
	h.log.Info("peer left room", "room", room.ID, "peer", peerID)
}

func (h *Hub) relay(c *Client, msg *signaling.Message) {
	if c.roomID == "" {
		c.sendError("you must join a room first")
		return
	}
	room, ok := h.rooms[c.roomID]
	if !ok {
		c.sendError("room not found")
		return
	}
	target, ok := room.Members[msg.To]
	if !ok || msg.To == c.peerID {
		c.sendError("unknown signal target")
		return
	}

	out := &signaling.Message{
		Type:    signaling.MessageTypeSignal,
		Payload: msg.Payload,
		RoomID:  room.ID,
		From:    c.peerID,
		To:      msg.To,
	}
	target.deliver(out)
}

// RoomInfo is a snapshot of one room.
type RoomInfo struct {
	ID     string
	Origin int64
	Peers  []signaling.PeerInfo
}

// Rooms returns a snapshot of every room. It blocks until Run is serving.
func (h *Hub) Rooms(ctx context.Context) ([]RoomInfo, error) {
	result := make(chan []RoomInfo, 1)
	fn := func() {
		out := make([]RoomInfo, 0, len(h.rooms))
		for _, r := range h.rooms {
			out = append(out, RoomInfo{ID: r.ID, Origin: r.Origin, Peers: r.roster("")})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		result <- out
	}
	select {
	case h.query <- fn:
	case <-h.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-result:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
