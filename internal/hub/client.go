package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Enough for SDP messages.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one websocket connection to the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan *signaling.Message
	log    *slog.Logger

	// Owned by the hub goroutine.
	roomID     string
	peerID     string
	clientType string
	name       string
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		send:   make(chan *signaling.Message, sendBuffer),
		log:    h.log,
	}
}

func (c *Client) info() signaling.PeerInfo {
	return signaling.PeerInfo{PeerID: c.peerID, ClientType: c.clientType, Name: c.name}
}

// deliver queues msg without blocking the hub. A client too slow to drain
// its buffer loses the message.
func (c *Client) deliver(msg *signaling.Message) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("dropping message for slow client", "remote", c.remote, "type", msg.Type)
	}
}

func (c *Client) sendError(text string) {
	msg, _ := signaling.NewMessage(signaling.MessageTypeError, signaling.ErrorPayload{Error: text})
	c.deliver(msg)
}

// readPump pumps messages from the connection to the hub. Time requests are
// answered here so hub load does not skew the clock reading.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "remote", c.remote, "error", err)
			}
			return
		}

		if msg.Type == signaling.MessageTypeTimeRequest {
			c.answerTime(&msg)
			continue
		}
		select {
		case c.hub.inbound <- inbound{client: c, msg: &msg}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) answerTime(msg *signaling.Message) {
	var req signaling.TimeRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError("invalid time request")
		return
	}
	resp, _ := signaling.NewMessage(signaling.MessageTypeTimeResponse, signaling.TimeResponsePayload{
		ClientTime: req.ClientTime,
		ServerTime: c.hub.now().UnixMilli(),
	})
	c.deliver(resp)
}

// writePump pumps messages from the hub to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("websocket write failed", "remote", c.remote, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
