package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/realtime"
	"github.com/mbd888/guardchain/internal/stream"
)

// Client follows a server's event stream over WebSocket and keeps a
// Reconciler up to date. It reconnects with backoff when the stream
// drops; the reconciler's gap detection covers whatever was missed.
type Client struct {
	wsURL      string
	token      string
	topics     []string
	reconciler *Reconciler
	logger     *slog.Logger
	dialer     *websocket.Dialer
	backoff    time.Duration
}

// NewClient creates a stream client. wsURL is the ws:// or wss://
// endpoint; topics defaults to the transaction feed.
func NewClient(wsURL, token string, topics []string, r *Reconciler, logger *slog.Logger) *Client {
	if len(topics) == 0 {
		topics = []string{stream.TopicTransactions}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		wsURL:      wsURL,
		token:      token,
		topics:     topics,
		reconciler: r,
		logger:     logger,
		dialer:     websocket.DefaultDialer,
		backoff:    time.Second,
	}
}

// Run keeps the stream alive until the context is canceled.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.follow(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream dropped, reconnecting", "error", err, "backoff", c.backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

// follow runs one connect-authenticate-consume cycle.
func (c *Client) follow(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	frame := struct {
		Type   string   `json:"type"`
		Token  string   `json:"token"`
		Topics []string `json:"topics"`
	}{Type: "auth", Token: c.token, Topics: c.topics}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var reply struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	if reply.Type != "auth_success" {
		return fmt.Errorf("handshake rejected: %s", reply.Message)
	}
	c.logger.Info("stream connected", "topics", c.topics)

	// Drop the handshake deadline; keepalive pings from the server
	// arrive well inside an hour.
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetPingHandler(func(string) error {
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		c.reconciler.Ingest(ctx, env)
	}
}

// HTTPSnapshot fetches recent history from the REST API. It backs the
// reconciler's gap recovery on the client side.
type HTTPSnapshot struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (h *HTTPSnapshot) httpClient() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTPSnapshot) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *HTTPSnapshot) RecentTransactions(ctx context.Context, limit int) ([]*fraud.Transaction, error) {
	var body struct {
		Transactions []*fraud.Transaction `json:"transactions"`
	}
	if err := h.get(ctx, fmt.Sprintf("/v1/transactions/recent?limit=%d", limit), &body); err != nil {
		return nil, err
	}
	return body.Transactions, nil
}

func (h *HTTPSnapshot) RecentAlerts(ctx context.Context, limit int) ([]*fraud.Alert, error) {
	var body struct {
		Alerts []*fraud.Alert `json:"alerts"`
	}
	if err := h.get(ctx, fmt.Sprintf("/v1/alerts/recent?limit=%d", limit), &body); err != nil {
		return nil, err
	}
	return body.Alerts, nil
}
