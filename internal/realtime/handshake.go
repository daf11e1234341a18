package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/guardchain/internal/metrics"
	"github.com/mbd888/guardchain/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// authFrame is the first message a client must send after connecting.
type authFrame struct {
	Type   string   `json:"type"`
	Token  string   `json:"token"`
	Topics []string `json:"topics"`
}

type authSuccess struct {
	Type   string   `json:"type"`
	UserID string   `json:"userId"`
	Role   string   `json:"role"`
	Topics []string `json:"topics"`
}

type authError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HandleWebSocket upgrades the connection and performs the auth
// handshake. The first client frame must be
//
//	{"type": "auth", "token": "...", "topics": ["transactions"]}
//
// within the configured timeout. On success the server replies with
// auth_success and starts streaming; on failure it replies with
// auth_error and closes. No event is delivered before auth_success.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client, ok := h.handshake(r, conn)
	if !ok {
		_ = conn.Close()
		return
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// handshake authenticates the connection and resolves its topic set.
func (h *Hub) handshake(r *http.Request, conn *websocket.Conn) (*Client, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	conn.SetReadLimit(4 * 1024)

	var frame authFrame
	_, raw, err := conn.ReadMessage()
	if err != nil || json.Unmarshal(raw, &frame) != nil || frame.Type != "auth" {
		h.rejectConn(conn, "Authentication message required")
		return nil, false
	}

	identity, err := h.resolver.ResolveIdentity(r.Context(), frame.Token)
	if err != nil {
		h.rejectConn(conn, "Invalid or expired token")
		return nil, false
	}

	topics := frame.Topics
	if len(topics) == 0 {
		topics = []string{stream.TopicTransactions}
	}
	subscribed := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic != stream.TopicTransactions && topic != stream.TopicAlerts {
			h.rejectConn(conn, "Unknown topic: "+topic)
			return nil, false
		}
		if !identity.CanSubscribe(topic) {
			h.rejectConn(conn, "Role not entitled to topic: "+topic)
			return nil, false
		}
		subscribed[topic] = true
	}

	granted := make([]string, 0, len(subscribed))
	for topic := range subscribed {
		granted = append(granted, topic)
	}

	reply, _ := json.Marshal(authSuccess{
		Type:   "auth_success",
		UserID: identity.UserID,
		Role:   identity.Role,
		Topics: granted,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		return nil, false
	}

	// Back to the steady-state read limit and deadline.
	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		identity: identity,
		topics:   subscribed,
	}, true
}

func (h *Hub) rejectConn(conn *websocket.Conn, message string) {
	metrics.AuthFailures.Inc()
	reply, _ := json.Marshal(authError{Type: "auth_error", Message: message})
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, reply)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
}
