package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	handshakeTimeout = 10 * time.Second
	maxConnectTime   = 30 * time.Second
)

var ErrClosed = errors.New("signaling connection closed")

// TimeSample is one hub clock reading.
type TimeSample struct {
	ServerTime int64 // hub wall clock, Unix ms
	SentAt     time.Time
	ReceivedAt time.Time
	RoundTrip  time.Duration
}

type timeReply struct {
	payload    TimeResponsePayload
	receivedAt time.Time
}

// Client manages the websocket connection to the signaling hub.
type Client struct {
	serverURL string
	log       *slog.Logger
	now       func() time.Time

	conn      *websocket.Conn
	incoming  chan *Message
	outgoing  chan *Message
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	waiters map[int64]chan timeReply
}

// NewClient creates a signaling client for serverURL (ws:// or wss://).
func NewClient(serverURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverURL: serverURL,
		log:       logger,
		now:       time.Now,
		incoming:  make(chan *Message, 32),
		outgoing:  make(chan *Message, 64),
		done:      make(chan struct{}),
		waiters:   make(map[int64]chan timeReply),
	}
}

// Connect dials the hub, retrying with exponential backoff until it
// succeeds, ctx is cancelled, or the retry budget runs out.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = maxConnectTime

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return c.dial(ctx, u.String())
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		c.log.Warn("signaling connect failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) dial(ctx context.Context, target string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dns.DialContext(ctx, network, addr)
		},
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn = conn
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("signaling read failed", "error", err)
			}
			return
		}
		receivedAt := c.now()

		if msg.Type == MessageTypeTimeResponse {
			c.resolveTime(&msg, receivedAt)
			continue
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("signaling write failed", "type", msg.Type, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for the hub.
func (c *Client) Send(msg *Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Join asks to join roomID.
func (c *Client) Join(roomID string, join JoinPayload) error {
	msg, err := NewMessage(MessageTypeJoinRoom, join)
	if err != nil {
		return err
	}
	msg.RoomID = roomID
	return c.Send(msg)
}

// Leave announces departure from the current room.
func (c *Client) Leave() error {
	return c.Send(&Message{Type: MessageTypeLeaveRoom})
}

// Signal relays payload to one peer.
func (c *Client) Signal(to string, payload SignalPayload) error {
	msg, err := NewMessage(MessageTypeSignal, payload)
	if err != nil {
		return err
	}
	msg.To = to
	return c.Send(msg)
}

// RequestTime asks the hub for its wall clock and measures the round trip.
func (c *Client) RequestTime(ctx context.Context) (TimeSample, error) {
	sentAt := c.now()
	reply := make(chan timeReply, 1)

	c.mu.Lock()
	key := sentAt.UnixMilli()
	for {
		if _, busy := c.waiters[key]; !busy {
			break
		}
		key++
	}
	c.waiters[key] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	msg, err := NewMessage(MessageTypeTimeRequest, TimeRequestPayload{ClientTime: key})
	if err != nil {
		return TimeSample{}, err
	}
	if err := c.Send(msg); err != nil {
		return TimeSample{}, err
	}

	select {
	case r := <-reply:
		return TimeSample{
			ServerTime: r.payload.ServerTime,
			SentAt:     sentAt,
			ReceivedAt: r.receivedAt,
			RoundTrip:  r.receivedAt.Sub(sentAt),
		}, nil
	case <-ctx.Done():
		return TimeSample{}, ctx.Err()
	case <-c.done:
		return TimeSample{}, ErrClosed
	}
}

func (c *Client) resolveTime(msg *Message, receivedAt time.Time) {
	var p TimeResponsePayload
	if err := msg.DecodePayload(&p); err != nil {
		c.log.Debug("dropping time response", "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.waiters[p.ClientTime]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- timeReply{payload: p, receivedAt: receivedAt}:
	default:
	}
}

// Incoming returns the channel of hub messages other than time responses.
// It is closed when the connection drops.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
