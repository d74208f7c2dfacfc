package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/config"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/logging"
)

// Live feed message types.
const (
	WSTypeSnapshot    = "snapshot"
	WSTypeEvent       = "event"
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound queue. A client that
	// falls this far behind loses messages.
	wsSendBufferSize = 256

	defaultPingInterval   = 25 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 8192
	snapshotTimeout       = 5 * time.Second
)

// WSMessage is a live feed frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Topics []string `json:"topics"`
}

// FeedMetrics tracks connected feed clients. *metrics.Registry satisfies it.
type FeedMetrics interface {
	FeedClientConnected()
	FeedClientDisconnected()
}

type noopFeedMetrics struct{}

func (noopFeedMetrics) FeedClientConnected()    {}
func (noopFeedMetrics) FeedClientDisconnected() {}

// Hub tracks live feed clients.
type Hub struct {
	logger         *logging.Logger
	metrics        FeedMetrics
	pingInterval   time.Duration
	pongWait       time.Duration
	maxMessageSize int64

	clients map[*FeedClient]struct{}
	mu      sync.RWMutex
}

// FeedClient is one connected live feed subscriber. It owns a bus
// subscription and drops messages when its send queue is full.
type FeedClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	sub     *events.Subscription
	dropped atomic.Uint64

	topics map[events.Topic]struct{}
	mu     sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub. Zero config values use the defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, m FeedMetrics) *Hub {
	h := &Hub{
		logger:         logger,
		metrics:        m,
		pingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		pongWait:       time.Duration(cfg.PongTimeout) * time.Second,
		maxMessageSize: int64(cfg.MaxMessageSize),
		clients:        make(map[*FeedClient]struct{}),
	}
	if h.metrics == nil {
		h.metrics = noopFeedMetrics{}
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.pongWait <= 0 {
		h.pongWait = defaultPongTimeout
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = defaultMaxMessageSize
	}
	return h
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *FeedClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.FeedClientConnected()
	h.logger.Debug("feed client connected", "clients", h.ClientCount())
}

// Unregister removes a client and releases its bus subscription.
// Only the caller that removes the client closes its send channel.
func (h *Hub) Unregister(client *FeedClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !existed {
		return
	}
	client.sub.Close()
	close(client.send)
	h.metrics.FeedClientDisconnected()
	h.logger.Debug("feed client disconnected",
		"clients", h.ClientCount(), "dropped", client.dropped.Load())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*FeedClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		client.sub.Close()
		close(client.send)
		client.conn.Close()
		h.metrics.FeedClientDisconnected()
	}
}

// handleStream upgrades to the live feed. The optional topics query
// parameter (comma separated) limits the initial topic set; by default
// every topic is streamed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topics, bad := parseTopics(splitTopics(r.URL.Query().Get("topics")))
	if bad != "" {
		writeBadRequest(w, "unknown topic: "+bad)
		return
	}
	if len(topics) == 0 {
		topics, _ = parseTopics(topicNames(events.AllTopics))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	sub := s.bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	snap, err := s.dispatch.Snapshot(ctx)
	cancel()
	if err != nil {
		s.logger.Error("building feed snapshot failed", "error", err)
		sub.Close()
		//nolint:errcheck // Best-effort close frame
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable"))
		conn.Close()
		return
	}

	client := &FeedClient{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		sub:    sub,
		topics: topics,
	}
	s.hub.Register(client)

	client.sendResponse("", WSTypeSnapshot, snap)

	go client.writePump()
	go client.forward()
	go client.readPump()
}

// forward copies bus messages the client wants into its send queue.
func (c *FeedClient) forward() {
	for msg := range c.sub.C() {
		if !c.wants(msg.Topic) {
			continue
		}
		data, err := json.Marshal(WSMessage{
			Type:      WSTypeEvent,
			Topic:     string(msg.Topic),
			Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
			Payload:   msg.Payload,
		})
		if err != nil {
			c.hub.logger.Error("encoding feed message failed", "topic", string(msg.Topic), "error", err)
			continue
		}
		c.trySend(data)
	}
}

// readPump reads client frames until the connection closes.
func (c *FeedClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := c.hub.pingInterval + c.hub.pongWait
	c.conn.SetReadLimit(c.hub.maxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

// writePump drains the send queue and sends heartbeat pings.
func (c *FeedClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *FeedClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleTopics(msg, true)
	case WSTypeUnsubscribe:
		c.handleTopics(msg, false)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleTopics adds or removes topics and replies with the resulting set.
func (c *FeedClient) handleTopics(msg WSMessage, add bool) {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}
	var req WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &req); err != nil || len(req.Topics) == 0 {
		c.sendError(msg.ID, "payload must list topics")
		return
	}
	topics, bad := parseTopics(req.Topics)
	if bad != "" {
		c.sendError(msg.ID, "unknown topic: "+bad)
		return
	}

	c.mu.Lock()
	for t := range topics {
		if add {
			c.topics[t] = struct{}{}
		} else {
			delete(c.topics, t)
		}
	}
	current := make([]string, 0, len(c.topics))
	for t := range c.topics {
		current = append(current, string(t))
	}
	c.mu.Unlock()
	sort.Strings(current)

	c.sendResponse(msg.ID, WSTypeResponse, WSSubscribePayload{Topics: current})
}

// trySend queues data without blocking. It absorbs sends racing with
// Unregister and drops data when the queue is full.
func (c *FeedClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
	}
}

func (c *FeedClient) wants(t events.Topic) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[t]
	return ok
}

func (c *FeedClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *FeedClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// parseTopics converts names to a topic set. bad is the first unknown name.
func parseTopics(names []string) (set map[events.Topic]struct{}, bad string) {
	set = make(map[events.Topic]struct{}, len(names))
	for _, name := range names {
		t, ok := events.ParseTopic(name)
		if !ok {
			return nil, name
		}
		set[t] = struct{}{}
	}
	return set, ""
}

func splitTopics(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func topicNames(topics []events.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}
