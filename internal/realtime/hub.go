// Package realtime fans out scored transactions and fraud alerts to
// dashboard WebSocket clients.
//
// Clients authenticate with their first frame, then receive envelopes
// carrying a per-topic sequence number so they can detect gaps after a
// reconnect and resync from the snapshot endpoints.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/guardchain/internal/auth"
	"github.com/mbd888/guardchain/internal/metrics"
	"github.com/mbd888/guardchain/internal/stream"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Envelope is the wire frame every subscriber receives. Seq is assigned
// per topic by the hub; the stream over any one connection and topic is
// strictly increasing, so a gap means missed events.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// envelopeType maps a topic to the frame type the dashboard expects.
func envelopeType(topic string) string {
	switch topic {
	case stream.TopicAlerts:
		return "alert"
	default:
		return "transaction"
	}
}

// Client represents one authenticated WebSocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity
	topics   map[string]bool
}

func (c *Client) subscribed(topic string) bool { return c.topics[topic] }

// Hub manages all WebSocket connections.
type Hub struct {
	clients map[*Client]bool
	// One live connection per (user, topic). A reconnect takes over the
	// slot and the stale connection is closed.
	byUserTopic map[string]map[string]*Client // topic -> userID -> client

	broadcast  chan broadcastFrame
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Per-topic envelope sequences, claimed in Handle before the
	// bounded enqueue so a dropped message still consumes its number.
	seqMu sync.Mutex
	seqs  map[string]uint64

	resolver    auth.Resolver
	authTimeout time.Duration
	sendBuffer  int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// Option configures the hub.
type Option func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// WithSendBuffer sets the per-connection outbound queue size.
func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

// WithAuthTimeout bounds how long a fresh connection may take to send
// its auth frame.
func WithAuthTimeout(d time.Duration) Option {
	return func(h *Hub) { h.authTimeout = d }
}

// DefaultMaxClients is the connection cap when none is configured.
const DefaultMaxClients = 10000

// NewHub creates a new WebSocket hub.
func NewHub(resolver auth.Resolver, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:     make(map[*Client]bool),
		byUserTopic: make(map[string]map[string]*Client),
		broadcast:   make(chan broadcastFrame, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		logger:      logger,
		done:        make(chan struct{}),
		maxClients:  DefaultMaxClients,
		seqs:        make(map[string]uint64),
		resolver:    resolver,
		authTimeout: 10 * time.Second,
		sendBuffer:  256,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// broadcastFrame pairs a stream message with its claimed topic sequence.
type broadcastFrame struct {
	msg stream.Message
	seq uint64
}

// Handle enqueues a stream message for fan-out. It never blocks: when
// the broadcast queue is full the message is dropped and counted. The
// topic sequence is claimed before the enqueue, so the drop leaves a
// gap every subscriber can detect and repair from the snapshot
// endpoints.
func (h *Hub) Handle(msg stream.Message) {
	h.seqMu.Lock()
	h.seqs[msg.Topic]++
	frame := broadcastFrame{msg: msg, seq: h.seqs[msg.Topic]}

	enqueued := false
	select {
	case h.broadcast <- frame:
		enqueued = true
	default:
	}
	h.seqMu.Unlock()

	if !enqueued {
		metrics.StreamDropped.WithLabelValues(msg.Topic, "fanout_queue").Inc()
		h.logger.Warn("broadcast queue full, dropping message", "topic", msg.Topic, "seq", frame.seq)
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				h.dropLocked(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			stale := h.claimSlotsLocked(client)
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			for range stale {
				metrics.FanoutDisconnects.WithLabelValues("replaced").Inc()
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected",
				"user_id", client.identity.UserID, "role", client.identity.Role, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				h.dropLocked(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "user_id", client.identity.UserID, "total", n)

		case bf := <-h.broadcast:
			msg := bf.msg
			h.totalEvents.Add(1)
			frame, err := json.Marshal(Envelope{
				Type:      envelopeType(msg.Topic),
				Topic:     msg.Topic,
				Seq:       bf.seq,
				Timestamp: time.Now().UTC(),
				Data:      msg.Payload,
			})
			if err != nil {
				h.logger.Error("failed to encode envelope", "topic", msg.Topic, "error", err)
				continue
			}

			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.subscribed(msg.Topic) {
					continue
				}
				select {
				case client.send <- frame:
					metrics.FanoutDeliveries.WithLabelValues(msg.Topic).Inc()
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			// A full queue means the client cannot keep up. Dropping the
			// connection beats blocking the fan-out loop; the client
			// reconciles on reconnect.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						h.dropLocked(client)
						metrics.FanoutDisconnects.WithLabelValues("slow").Inc()
						h.logger.Warn("dropping slow client", "user_id", client.identity.UserID)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

// claimSlotsLocked records the client as the live connection for each of
// its (user, topic) slots. A previous holder loses the topic; once it
// holds no topics it is closed. Caller holds h.mu.
func (h *Hub) claimSlotsLocked(client *Client) []*Client {
	var stale []*Client
	for topic := range client.topics {
		byUser, ok := h.byUserTopic[topic]
		if !ok {
			byUser = make(map[string]*Client)
			h.byUserTopic[topic] = byUser
		}
		if old := byUser[client.identity.UserID]; old != nil && old != client {
			delete(old.topics, topic)
			if len(old.topics) == 0 {
				if _, live := h.clients[old]; live {
					close(old.send)
					h.dropLocked(old)
					stale = append(stale, old)
				}
			}
		}
		byUser[client.identity.UserID] = client
	}
	return stale
}

// dropLocked removes the client and releases any slots it still holds.
// Caller holds h.mu.
func (h *Hub) dropLocked(client *Client) {
	delete(h.clients, client)
	for topic := range client.topics {
		if byUser := h.byUserTopic[topic]; byUser != nil && byUser[client.identity.UserID] == client {
			delete(byUser, client.identity.UserID)
		}
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// readPump reads control frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
				metrics.FanoutDisconnects.WithLabelValues("read_error").Inc()
			}
			return
		}
	}
}

// writePump writes queued frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
