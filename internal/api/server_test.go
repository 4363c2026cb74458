package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oakmere/hearth-core/internal/entity"
	"github.com/oakmere/hearth-core/internal/history"
	"github.com/oakmere/hearth-core/internal/hub"
	"github.com/oakmere/hearth-core/internal/infrastructure/config"
	"github.com/oakmere/hearth-core/internal/infrastructure/logging"
)

const testJWTSecret = "test-secret-key-at-least-32-characters-long"

// testCache builds an entity cache with a small fixture set.
func testCache(t *testing.T) *entity.Cache {
	t.Helper()

	cache := entity.NewCache()
	cache.ApplyStateChange("light.kitchen_main", &entity.State{
		EntityID:    "light.kitchen_main",
		State:       "on",
		Attributes:  map[string]any{"friendly_name": "Kitchen Light", "brightness": float64(200)},
		LastChanged: time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
	})
	cache.ApplyStateChange("sensor.hall_temp", &entity.State{
		EntityID: "sensor.hall_temp",
		State:    "21.5",
	})
	cache.LoadRegistry([]entity.RegistryRecord{
		{
			EntityID: "light.kitchen_main",
			Name:     "Kitchen Light",
			AreaID:   "kitchen",
			AreaName: "Kitchen",
		},
	})
	return cache
}

// testServer creates a Server backed by the fixture cache and an unstarted
// hub client (connection state is Disconnected, so service calls fail fast).
func testServer(t *testing.T) *Server {
	t.Helper()

	cache := testCache(t)

	hubClient, err := hub.New(hub.Config{
		URL:   "ws://127.0.0.1:1/api/websocket",
		Token: "test-token",
	}, cache)
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testJWTSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:  log,
		Cache:   cache,
		Hub:     hubClient,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Initialise WebSocket hub for tests that need it
	srv.wsHub = NewHub(srv.wsCfg, log)
	go srv.wsHub.Run(context.Background())

	return srv
}

// loginToken logs in through the router and returns a valid bearer token.
func loginToken(t *testing.T, router http.Handler) string {
	t.Helper()

	t.Setenv("HEARTH_ADMIN_PASSWORD", "test-password-123")

	body := `{"username": "admin", "password": "test-password-123"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp.AccessToken
}

// authedRequest builds a request carrying a valid bearer token.
func authedRequest(t *testing.T, router http.Handler, method, target, body string) *http.Request {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+loginToken(t, router))
	return req
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}

	hubStats, ok := resp["hub"].(map[string]any)
	if !ok {
		t.Fatalf("hub is not a map: %T", resp["hub"])
	}
	if hubStats["state"] != "disconnected" {
		t.Errorf("hub state = %v, want disconnected", hubStats["state"])
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func TestLogin_Success(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()
	t.Setenv("HEARTH_ADMIN_PASSWORD", "test-password-123")

	body := `{"username": "admin", "password": "test-password-123"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.AccessToken == "" {
		t.Error("expected access_token to be non-empty")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()
	t.Setenv("HEARTH_ADMIN_PASSWORD", "test-password-123")

	body := `{"username": "admin", "password": "wrong"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestLogin_NoPasswordConfigured(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()
	t.Setenv("HEARTH_ADMIN_PASSWORD", "")

	// An unset admin password must reject everything, including empty input
	body := `{"username": "admin", "password": ""}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestProtectedRoute_NoToken(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestProtectedRoute_MalformedToken(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestProtectedRoute_ValidToken(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := authedRequest(t, router, http.MethodGet, "/api/v1/entities", "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestWSTicket_SingleUse(t *testing.T) {
	srv := testServer(t)
	router := srv.buildRouter()

	req := authedRequest(t, router, http.MethodPost, "/api/v1/auth/ws-ticket", "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ticket, ok := resp["ticket"].(string)
	if !ok || ticket == "" {
		t.Fatal("expected ticket to be a non-empty string")
	}

	// Ticket should be valid once
	if _, ok := srv.tickets.validate(ticket); !ok {
		t.Error("ticket should be valid on first use")
	}

	// Ticket should be consumed (single-use)
	if _, ok := srv.tickets.validate(ticket); ok {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	store := newTicketStore()

	ticket := generateTicket()
	store.mu.Lock()
	store.tickets[ticket] = ticketEntry{
		subject:   "admin",
		expiresAt: time.Now().Add(-1 * time.Second),
	}
	store.mu.Unlock()

	if _, ok := store.validate(ticket); ok {
		t.Error("expired ticket should not be valid")
	}
}

// ─── WebSocket Hub Tests ───────────────────────────────────────────

func TestHub_BroadcastToSubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	wsHub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsHub.Run(ctx)

	client := &WSClient{
		hub:           wsHub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"entity.state_changed": {}},
	}
	wsHub.Register(client)

	wsHub.Broadcast("entity.state_changed", map[string]any{"entity_id": "light.kitchen_main", "state": "on"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != "entity.state_changed" {
			t.Errorf("event_type = %q, want %q", wsMsg.EventType, "entity.state_changed")
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	wsHub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsHub.Run(ctx)

	client := &WSClient{
		hub:           wsHub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"other.channel": {}},
	}
	wsHub.Register(client)

	wsHub.Broadcast("entity.state_changed", map[string]any{"entity_id": "light.kitchen_main"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
		// OK — no message received
	}
}

func TestHub_ClientCount(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	wsHub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsHub.Run(ctx)

	if wsHub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", wsHub.ClientCount())
	}

	client := &WSClient{
		hub:           wsHub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	wsHub.Register(client)

	if wsHub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", wsHub.ClientCount())
	}

	wsHub.Unregister(client)

	if wsHub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", wsHub.ClientCount())
	}
}

// ─── WebSocket Integration Tests ───────────────────────────────────

// startTestServer serves the router on an ephemeral httptest listener.
func startTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	srv := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return srv, ts
}

// connectWebSocket logs in, fetches a ticket, and dials the WebSocket endpoint.
func connectWebSocket(t *testing.T, srv *Server, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	ticket := srv.tickets.issue("admin")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket connect failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocket_SubscribeAndBroadcast(t *testing.T) {
	srv, ts := startTestServer(t)
	ws := connectWebSocket(t, srv, ts)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"entity.state_changed"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse {
		t.Errorf("subscribe response type = %s, want %s", resp.Type, WSTypeResponse)
	}
	if resp.ID != "sub-1" {
		t.Errorf("response ID = %s, want sub-1", resp.ID)
	}

	// Feed a state change through the server's broadcast path
	srv.broadcastStateChange(hub.StateChange{
		EntityID: "light.kitchen_main",
		NewState: &entity.State{EntityID: "light.kitchen_main", State: "off"},
	})

	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if resp.Type != WSTypeEvent {
		t.Errorf("broadcast type = %s, want %s", resp.Type, WSTypeEvent)
	}
	if resp.EventType != "entity.state_changed" {
		t.Errorf("broadcast event_type = %s, want entity.state_changed", resp.EventType)
	}

	payload, ok := resp.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is not a map: %T", resp.Payload)
	}
	if payload["entity_id"] != "light.kitchen_main" {
		t.Errorf("payload entity_id = %v, want light.kitchen_main", payload["entity_id"])
	}
	if payload["state"] != "off" {
		t.Errorf("payload state = %v, want off", payload["state"])
	}
}

func TestWebSocket_RemovalBroadcast(t *testing.T) {
	srv, ts := startTestServer(t)
	ws := connectWebSocket(t, srv, ts)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"entity.state_changed"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}

	// A nil NewState marks the entity as removed
	srv.broadcastStateChange(hub.StateChange{EntityID: "light.kitchen_main"})

	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	payload, ok := resp.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is not a map: %T", resp.Payload)
	}
	if payload["removed"] != true {
		t.Errorf("payload removed = %v, want true", payload["removed"])
	}
}

func TestWebSocket_Ping(t *testing.T) {
	srv, ts := startTestServer(t)
	ws := connectWebSocket(t, srv, ts)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}

	if resp.Type != WSTypePong {
		t.Errorf("response type = %s, want %s", resp.Type, WSTypePong)
	}
	if resp.ID != "ping-1" {
		t.Errorf("response ID = %s, want ping-1", resp.ID)
	}
}

func TestWebSocket_InvalidMessage(t *testing.T) {
	srv, ts := startTestServer(t)
	ws := connectWebSocket(t, srv, ts)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}

	if resp.Type != WSTypeError {
		t.Errorf("response type = %s, want %s", resp.Type, WSTypeError)
	}
}

func TestWebSocket_NoTicket(t *testing.T) {
	_, ts := startTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected error connecting without ticket")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebSocket_InvalidTicket(t *testing.T) {
	_, ts := startTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=invalid-ticket"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected error connecting with invalid ticket")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_HealthCheck_NotStarted(t *testing.T) {
	srv := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("expected error from HealthCheck before Start()")
	}
}

// historyTestStore opens a history store in a temporary directory.
func historyTestStore(t *testing.T) *history.Store {
	t.Helper()

	store, err := history.Open(history.Config{
		Path:        t.TempDir() + "/history.db",
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
