package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victorivanov/retrosync/internal/models"
)

var (
	ErrClosed             = errors.New("gateway: connection closed")
	ErrNotConnected       = errors.New("gateway: not connected")
	ErrHandshake          = errors.New("gateway: handshake failed")
	ErrHeartbeatTimeout   = errors.New("gateway: heartbeat timeout")
	ErrReconnectRequested = errors.New("gateway: server requested reconnect")
)

const eventBufferSize = 256

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHeartbeatTimeout sets how long past the heartbeat interval the client
// waits for an ACK before dropping the connection.
func WithHeartbeatTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.ackTimeout = d }
}

// Client is a single gateway connection. It is not reusable: once it drops,
// dial a new one.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	header     http.Header
	logger     *slog.Logger
	ackTimeout time.Duration

	conn      *websocket.Conn
	send      chan []byte
	events    chan models.Event
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	err       error
	sessionID string
	userID    string

	sequence atomic.Int64
	lastAck  atomic.Int64
	interval time.Duration
}

// NewClient creates a client for the gateway at url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		ackTimeout: heartbeatTimeout,
		send:       make(chan []byte, sendBufferSize),
		events:     make(chan models.Event, eventBufferSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials, identifies with token and waits for READY.
func (c *Client) Connect(ctx context.Context, token string) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing gateway: %w", err)
	}
	c.conn = conn
	conn.SetReadLimit(maxMessageSize)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	hello, err := c.readPayload()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: reading hello: %v", ErrHandshake, err)
	}
	if hello.Op != OpHello {
		conn.Close()
		return fmt.Errorf("%w: expected hello, got op %d", ErrHandshake, hello.Op)
	}
	var h HelloData
	if err := json.Unmarshal(hello.Data, &h); err != nil || h.HeartbeatInterval <= 0 {
		conn.Close()
		return fmt.Errorf("%w: invalid hello", ErrHandshake)
	}
	c.interval = time.Duration(h.HeartbeatInterval) * time.Millisecond
	c.lastAck.Store(time.Now().UnixMilli())

	go c.writePump()

	if err := c.sendPayload(GatewayPayload{Op: OpIdentify, Data: mustMarshal(IdentifyData{Token: token})}); err != nil {
		c.fail(err)
		return err
	}

	for {
		p, err := c.readPayload()
		if err != nil {
			c.fail(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: waiting for ready: %v", ErrHandshake, err)
		}
		if p.Op == OpDispatch && p.Event != nil && *p.Event == EventReady {
			var ready ReadyData
			if err := json.Unmarshal(p.Data, &ready); err != nil {
				c.fail(err)
				return fmt.Errorf("%w: invalid ready: %v", ErrHandshake, err)
			}
			c.mu.Lock()
			c.sessionID = ready.SessionID
			c.userID = ready.UserID
			c.mu.Unlock()
			if p.Sequence != nil {
				c.sequence.Store(*p.Sequence)
			}
			break
		}
		c.handleControl(p)
	}

	_ = conn.SetReadDeadline(c.readDeadline())
	go c.readPump()
	return nil
}

// SessionID returns the session id from READY.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the authenticated user id from READY.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Subscribe asks the server to start sending a topic's events.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.enqueue(ctx, GatewayPayload{Op: OpSubscribe, Data: mustMarshal(SubscribeData{Topic: topic})})
}

// Unsubscribe stops a topic's events.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.enqueue(ctx, GatewayPayload{Op: OpUnsubscribe, Data: mustMarshal(SubscribeData{Topic: topic})})
}

// Events returns decoded conversation events. It is closed when the
// connection drops.
func (c *Client) Events() <-chan models.Event {
	return c.events
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readDeadline() time.Time {
	return time.Now().Add(c.interval + c.ackTimeout)
}

func (c *Client) readPayload() (GatewayPayload, error) {
	var p GatewayPayload
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid payload: %w", err)
	}
	return p, nil
}

// readPump reads payloads until the connection fails and publishes decoded
// events.
func (c *Client) readPump() {
	defer close(c.events)

	for {
		p, err := c.readPayload()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("gateway read error", "sessionID", c.SessionID(), "error", err)
				}
			}
			c.fail(err)
			return
		}
		_ = c.conn.SetReadDeadline(c.readDeadline())

		if p.Op != OpDispatch {
			if c.handleControl(p) {
				return
			}
			continue
		}
		if p.Sequence != nil {
			c.sequence.Store(*p.Sequence)
		}
		if p.Event == nil {
			continue
		}

		ev, ok, err := Decode(*p.Event, p.Data)
		if err != nil {
			c.logger.Warn("dropping undecodable dispatch", "event", *p.Event, "error", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// handleControl processes non-dispatch ops. It reports whether the
// connection was ended.
func (c *Client) handleControl(p GatewayPayload) bool {
	switch p.Op {
	case OpHeartbeat:
		_ = c.sendPayload(GatewayPayload{Op: OpHeartbeat, Data: c.sequenceData()})
	case OpHeartbeatAck:
		c.lastAck.Store(time.Now().UnixMilli())
	case OpReconnect:
		c.fail(ErrReconnectRequested)
		return true
	}
	return false
}

// writePump writes queued payloads and sends heartbeats on a timer.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			lastAck := c.lastAck.Load()
			if time.Since(time.UnixMilli(lastAck)) > c.interval+c.ackTimeout {
				c.logger.Warn("gateway heartbeat timeout", "sessionID", c.SessionID())
				c.fail(ErrHeartbeatTimeout)
				return
			}
			_ = c.sendPayload(GatewayPayload{Op: OpHeartbeat, Data: c.sequenceData()})

		case <-c.done:
			return
		}
	}
}

func (c *Client) sequenceData() json.RawMessage {
	return mustMarshal(c.sequence.Load())
}

// sendPayload queues p without blocking.
func (c *Client) sendPayload(p GatewayPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("gateway send buffer full, dropping payload", "op", p.Op)
		return nil
	}
}

// enqueue queues p, waiting for buffer space.
func (c *Client) enqueue(ctx context.Context, p GatewayPayload) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
