package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/guardchain/internal/auth"
	"github.com/mbd888/guardchain/internal/config"
	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/realtime"
	"github.com/mbd888/guardchain/internal/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123456789abcdef"

// testConfig returns a minimal config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		ConsumerGroup:  config.DefaultConsumerGroup,
		AuthSecret:     testSecret,
		AuthTimeout:    config.DefaultAuthTimeout,
		TokenMaxAge:    config.DefaultTokenMaxAge,
		MaxClients:     100,
		SendBufferSize: 64,
		StreamCapacity: 256,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.Sign([]byte(testSecret), auth.Identity{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func doRequest(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health and info endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	if w := doRequest(s, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health = %d, want 200", w.Code)
	}
	if w := doRequest(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health/live = %d, want 200", w.Code)
	}
	// Not ready until Run has started.
	if w := doRequest(s, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready = %d, want 503 before Run", w.Code)
	}

	w := doRequest(s, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/api", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/api = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "GuardChain") {
		t.Errorf("body = %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Auth boundaries
// ---------------------------------------------------------------------------

func TestIngestRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"id":"T1","amount":100,"currency":"USD","fromAccount":"A","toAccount":"B"}`)

	if w := doRequest(s, "POST", "/v1/transactions", "", body); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated ingest = %d, want 401", w.Code)
	}

	token := signToken(t, "svc", auth.RoleViewer)
	if w := doRequest(s, "POST", "/v1/transactions", token, body); w.Code != http.StatusCreated {
		t.Errorf("authenticated ingest = %d, want 201", w.Code)
	}
}

func TestStatusUpdateRequiresElevatedRole(t *testing.T) {
	s := newTestServer(t)

	ingest := []byte(`{"id":"T1","amount":100,"currency":"USD","fromAccount":"A","toAccount":"B"}`)
	if w := doRequest(s, "POST", "/v1/transactions", signToken(t, "svc", auth.RoleViewer), ingest); w.Code != http.StatusCreated {
		t.Fatalf("ingest = %d", w.Code)
	}

	update := []byte(`{"status":"BLOCKED"}`)
	if w := doRequest(s, "PATCH", "/v1/transactions/T1/status", signToken(t, "v", auth.RoleViewer), update); w.Code != http.StatusForbidden {
		t.Errorf("viewer status update = %d, want 403", w.Code)
	}
	if w := doRequest(s, "PATCH", "/v1/transactions/T1/status", signToken(t, "a", auth.RoleAnalyst), update); w.Code != http.StatusOK {
		t.Errorf("analyst status update = %d, want 200", w.Code)
	}
}

func TestMintToken_DevelopmentOnly(t *testing.T) {
	dev := newTestServer(t)
	body := []byte(`{"userId":"u1","role":"viewer"}`)

	w := doRequest(dev, "POST", "/v1/auth/token", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("dev mint = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in %s", w.Body.String())
	}

	// The minted token works against protected routes.
	if w := doRequest(dev, "GET", "/v1/transactions/recent", resp.Token, nil); w.Code != http.StatusOK {
		t.Errorf("minted token rejected: %d", w.Code)
	}

	prodCfg := testConfig()
	prodCfg.Env = "production"
	prod, err := New(prodCfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w := doRequest(prod, "POST", "/v1/auth/token", "", body); w.Code != http.StatusNotFound {
		t.Errorf("production mint = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End to end: ingest flows out over the WebSocket
// ---------------------------------------------------------------------------

func TestIngestReachesWebSocketViewer(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)
	s.startConsumers(ctx)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	analyst := signToken(t, "analyst", auth.RoleAnalyst)
	if err := conn.WriteJSON(map[string]interface{}{
		"type":   "auth",
		"token":  analyst,
		"topics": []string{stream.TopicTransactions, stream.TopicAlerts},
	}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var handshake struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&handshake); err != nil || handshake.Type != "auth_success" {
		t.Fatalf("handshake = %+v, err %v", handshake, err)
	}

	// Ingest only after the hub has registered the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Stats()["connectedClients"].(int) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// High-risk transaction at 02:00: viewer sees the transaction
	// envelope first, then the alert.
	body := []byte(`{"id":"T-big","amount":150000,"currency":"USD","fromAccount":"A","toAccount":"B","timestamp":"2026-03-10T02:00:00Z"}`)
	if w := doRequest(s, "POST", "/v1/transactions", analyst, body); w.Code != http.StatusCreated {
		t.Fatalf("ingest = %d: %s", w.Code, w.Body.String())
	}

	var first, second realtime.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first envelope: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second envelope: %v", err)
	}

	if first.Type != "transaction" {
		t.Errorf("first envelope = %s, want transaction", first.Type)
	}
	if second.Type != "alert" {
		t.Errorf("second envelope = %s, want alert", second.Type)
	}

	var tx fraud.Transaction
	if err := json.Unmarshal(first.Data, &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if tx.ID != "T-big" || tx.Status != fraud.StatusPending {
		t.Errorf("tx = %+v", tx)
	}
}

func TestDirectStreamMode(t *testing.T) {
	cfg := testConfig()
	cfg.StreamDirect = true
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	if _, ok := s.sink.(*stream.DirectSink); !ok {
		t.Fatalf("sink = %T, want *stream.DirectSink", s.sink)
	}
	if s.eventLog != nil {
		t.Fatal("direct mode should not retain an event log")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)
	s.startConsumers(ctx)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	analyst := signToken(t, "analyst", auth.RoleAnalyst)
	if err := conn.WriteJSON(map[string]interface{}{
		"type":   "auth",
		"token":  analyst,
		"topics": []string{stream.TopicTransactions, stream.TopicAlerts},
	}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var handshake struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&handshake); err != nil || handshake.Type != "auth_success" {
		t.Fatalf("handshake = %+v, err %v", handshake, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Stats()["connectedClients"].(int) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := []byte(`{"id":"T-direct","amount":150000,"currency":"USD","fromAccount":"A","toAccount":"B","timestamp":"2026-03-10T02:00:00Z"}`)
	if w := doRequest(s, "POST", "/v1/transactions", analyst, body); w.Code != http.StatusCreated {
		t.Fatalf("ingest = %d: %s", w.Code, w.Body.String())
	}

	var first, second realtime.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first envelope: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second envelope: %v", err)
	}

	if first.Type != "transaction" {
		t.Errorf("first envelope = %s, want transaction", first.Type)
	}
	if second.Type != "alert" {
		t.Errorf("second envelope = %s, want alert", second.Type)
	}
}
