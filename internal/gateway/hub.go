package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator resolves an access token to a user id.
type Authenticator func(token string) (string, error)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHeartbeatInterval sets the interval announced in HELLO.
func WithHeartbeatInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// Hub is the server side of the protocol: it accepts connections and routes
// dispatch events to the connections subscribed to a topic.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*serverConn]struct{}
	topics map[string]map[*serverConn]struct{} // topic → subscribers

	auth     Authenticator
	interval time.Duration
	logger   *slog.Logger
}

// NewHub creates a Hub.
func NewHub(auth Authenticator, opts ...HubOption) *Hub {
	h := &Hub{
		conns:    make(map[*serverConn]struct{}),
		topics:   make(map[string]map[*serverConn]struct{}),
		auth:     auth,
		interval: heartbeatInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleWebSocket handles GET /gateway by upgrading to WebSocket.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	h.ServeHTTP(c.Response(), c.Request())
	return nil
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("gateway upgrade failed", "error", err)
		return
	}

	conn := newServerConn(ws, h)
	conn.sendPayload(GatewayPayload{
		Op:   OpHello,
		Data: mustMarshal(HelloData{HeartbeatInterval: int(h.interval.Milliseconds())}),
	})

	go conn.writePump()
	go conn.readPump()
}

// Publish sends ev to every connection subscribed to topic.
func (h *Hub) Publish(topic string, ev models.Event) error {
	out, err := Encode(ev)
	if err != nil {
		return err
	}
	h.DispatchToTopic(topic, out.Name, out.Data)
	return nil
}

// DispatchToTopic sends a dispatch event to all subscribers of topic.
func (h *Hub) DispatchToTopic(topic, event string, data any) {
	h.mu.RLock()
	subs := make([]*serverConn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		c.sendEvent(event, data)
	}
}

// Subscribers returns the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Reconnect asks every connection to reconnect and closes it.
func (h *Hub) Reconnect() {
	h.mu.RLock()
	conns := make([]*serverConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.sendPayload(GatewayPayload{Op: OpReconnect})
		c.closeAfterFlush()
	}
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*serverConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) register(c *serverConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// unregister removes a connection and all its subscriptions.
func (h *Hub) unregister(c *serverConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) subscribe(c *serverConn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*serverConn]struct{})
	}
	h.topics[topic][c] = struct{}{}
}

func (h *Hub) unsubscribe(c *serverConn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) handleIdentify(c *serverConn, data json.RawMessage) {
	var identify IdentifyData
	if err := json.Unmarshal(data, &identify); err != nil {
		h.logger.Warn("invalid identify data", "error", err)
		c.close()
		return
	}

	userID, err := h.auth(identify.Token)
	if err != nil {
		h.logger.Warn("invalid token in identify", "error", err)
		c.close()
		return
	}

	c.mu.Lock()
	c.userID = userID
	c.sessionID = uuid.NewString()
	sessionID := c.sessionID
	c.mu.Unlock()

	h.register(c)
	c.sendEvent(EventReady, ReadyData{SessionID: sessionID, UserID: userID})
}

func (h *Hub) handleSubscription(c *serverConn, op int, data json.RawMessage) {
	if !c.identified() {
		c.close()
		return
	}
	var sub SubscribeData
	if err := json.Unmarshal(data, &sub); err != nil || sub.Topic == "" {
		h.logger.Warn("invalid subscription data", "userID", c.user(), "error", err)
		return
	}
	if op == OpSubscribe {
		h.subscribe(c, sub.Topic)
	} else {
		h.unsubscribe(c, sub.Topic)
	}
}

// serverConn is one client connection held by the Hub.
type serverConn struct {
	ws       *websocket.Conn
	hub      *Hub
	send     chan []byte
	sequence atomic.Int64

	mu        sync.Mutex
	userID    string
	sessionID string

	closeOnce sync.Once
	done      chan struct{}
	flush     chan struct{}

	lastHeartbeat atomic.Int64 // unix millis of the last client heartbeat
}

func newServerConn(ws *websocket.Conn, hub *Hub) *serverConn {
	c := &serverConn{
		ws:    ws,
		hub:   hub,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		flush: make(chan struct{}, 1),
	}
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	return c
}

func (c *serverConn) identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID != ""
}

func (c *serverConn) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *serverConn) sendPayload(p GatewayPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		c.hub.logger.Error("marshal error", "userID", c.user(), "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("send buffer full, dropping message", "userID", c.user())
	}
}

func (c *serverConn) sendEvent(name string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.hub.logger.Error("marshal event error", "event", name, "error", err)
		return
	}
	seq := c.sequence.Add(1)
	c.sendPayload(GatewayPayload{
		Op:       OpDispatch,
		Data:     raw,
		Sequence: &seq,
		Event:    &name,
	})
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeAfterFlush closes the connection once queued payloads are written.
func (c *serverConn) closeAfterFlush() {
	select {
	case c.flush <- struct{}{}:
	default:
	}
}

func (c *serverConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read error", "userID", c.user(), "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(c.hub.interval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.flush:
			for {
				select {
				case message := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					return
				}
			}

		case <-ticker.C:
			lastAck := c.lastHeartbeat.Load()
			if time.Since(time.UnixMilli(lastAck)) > c.hub.interval+heartbeatTimeout {
				c.hub.logger.Warn("heartbeat timeout", "userID", c.user())
				return
			}
			c.sendPayload(GatewayPayload{Op: OpHeartbeat})

		case <-c.done:
			return
		}
	}
}

func (c *serverConn) handleMessage(data []byte) {
	var payload GatewayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.hub.logger.Warn("invalid payload", "userID", c.user(), "error", err)
		return
	}

	switch payload.Op {
	case OpHeartbeat:
		c.lastHeartbeat.Store(time.Now().UnixMilli())
		c.sendPayload(GatewayPayload{Op: OpHeartbeatAck})

	case OpIdentify:
		c.hub.handleIdentify(c, payload.Data)

	case OpSubscribe, OpUnsubscribe:
		c.hub.handleSubscription(c, payload.Op, payload.Data)
	}
}
