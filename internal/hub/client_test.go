package hub

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oakmere/hearth-core/internal/entity"
)

// ===== Test harness =====

// testConfig returns a client config with short timeouts suitable for tests.
func testConfig(url string) Config {
	return Config{
		URL:             url,
		Token:           "test-token",
		ConnectTimeout:  2 * time.Second,
		AuthTimeout:     2 * time.Second,
		CallTimeout:     500 * time.Millisecond,
		PingInterval:    time.Hour, // keep the pinger quiet during tests
		LivenessTimeout: 2 * time.Hour,
		Backoff: BackoffConfig{
			Initial:     50 * time.Millisecond,
			Max:         100 * time.Millisecond,
			AuthFailure: 100 * time.Millisecond,
			Close:       50 * time.Millisecond,
			Error:       50 * time.Millisecond,
		},
	}
}

// newHubServer starts a WebSocket server whose handler plays the hub side
// of the protocol for each accepted connection.
func newHubServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// serverHandshake performs the hub-side auth and subscription exchange and
// returns the client's subscription correlation id.
func serverHandshake(t *testing.T, conn *websocket.Conn) int64 {
	t.Helper()

	if err := conn.WriteJSON(map[string]any{"type": "auth_required"}); err != nil {
		t.Errorf("writing auth_required: %v", err)
		return 0
	}

	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		t.Errorf("reading auth frame: %v", err)
		return 0
	}
	if auth["access_token"] != "test-token" {
		t.Errorf("access_token = %v, want test-token", auth["access_token"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "auth_ok"}); err != nil {
		t.Errorf("writing auth_ok: %v", err)
		return 0
	}

	var sub map[string]any
	if err := conn.ReadJSON(&sub); err != nil {
		t.Errorf("reading subscription: %v", err)
		return 0
	}
	if sub["type"] != "subscribe_events" || sub["event_type"] != "state_changed" {
		t.Errorf("unexpected subscription frame: %v", sub)
	}
	subID := int64(sub["id"].(float64))

	conn.WriteJSON(map[string]any{"id": subID, "type": "result", "success": true})
	return subID
}

// serveCommands answers correlated commands until the connection drops.
// Registry list commands get empty lists; call_service is delegated.
func serveCommands(conn *websocket.Conn, onCall func(id int64, f map[string]any)) {
	for {
		var f map[string]any
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		typ, _ := f["type"].(string)
		var id int64
		if raw, ok := f["id"].(float64); ok {
			id = int64(raw)
		}
		switch typ {
		case cmdEntityRegistryList, cmdDeviceRegistryList, cmdAreaRegistryList:
			conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true, "result": []any{}})
		case "ping":
			conn.WriteJSON(map[string]any{"id": id, "type": "pong"})
		case "call_service":
			if onCall != nil {
				onCall(id, f)
			}
		}
	}
}

func sendStateEvent(conn *websocket.Conn, subID int64, entityID, state string) {
	conn.WriteJSON(map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": entityID,
				"new_state": map[string]any{"entity_id": entityID, "state": state},
				"old_state": nil,
			},
		},
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startClient(t *testing.T, cfg Config, cache *entity.Cache) *Client {
	t.Helper()
	client, err := New(cfg, cache)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// ===== Lifecycle =====

func TestClient_ConnectsAndAppliesEvents(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		subID := serverHandshake(t, conn)
		sendStateEvent(conn, subID, "light.kitchen", "on")
		serveCommands(conn, nil)
	})

	cache := entity.NewCache()
	client := startClient(t, testConfig(url), cache)

	waitFor(t, 2*time.Second, client.Connected, "client never reached Listening")
	waitFor(t, 2*time.Second, func() bool {
		v, err := cache.Get("light.kitchen")
		return err == nil && v.State == "on"
	}, "state_changed event never applied to cache")

	stats := client.Stats()
	if stats.EventsReceived != 1 {
		t.Errorf("Stats().EventsReceived = %d, want 1", stats.EventsReceived)
	}
	if stats.State != "listening" {
		t.Errorf("Stats().State = %q, want listening", stats.State)
	}
}

func TestClient_ListenerReceivesChanges(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		subID := serverHandshake(t, conn)
		sendStateEvent(conn, subID, "light.kitchen", "on")
		serveCommands(conn, nil)
	})

	var mu sync.Mutex
	var got []StateChange

	cache := entity.NewCache()
	client, err := New(testConfig(url), cache)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.AddListener(func(sc StateChange) {
		mu.Lock()
		got = append(got, sc)
		mu.Unlock()
	})
	if err := client.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "listener never invoked")

	mu.Lock()
	defer mu.Unlock()
	if got[0].EntityID != "light.kitchen" {
		t.Errorf("EntityID = %q, want light.kitchen", got[0].EntityID)
	}
	if got[0].NewState == nil || got[0].NewState.State != "on" {
		t.Errorf("NewState = %+v, want state on", got[0].NewState)
	}
}

func TestClient_AuthInvalid(t *testing.T) {
	var attempts atomic.Int64
	url := newHubServer(t, func(conn *websocket.Conn) {
		attempts.Add(1)
		conn.WriteJSON(map[string]any{"type": "auth_required"})
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "invalid token"})
	})

	cache := entity.NewCache()
	client := startClient(t, testConfig(url), cache)

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 1 },
		"hub never saw an auth attempt")

	time.Sleep(50 * time.Millisecond)
	if client.Connected() {
		t.Error("client should not reach Listening with a rejected credential")
	}
	if client.Stats().Errors == 0 {
		t.Error("expected auth failure to be counted")
	}
}

func TestClient_ReconnectsWithFreshSubscription(t *testing.T) {
	var conns atomic.Int64
	var subIDs sync.Map

	url := newHubServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		subID := serverHandshake(t, conn)
		subIDs.Store(n, subID)
		if n == 1 {
			// Drop the first connection right after the handshake
			return
		}
		sendStateEvent(conn, subID, "sensor.round_two", "42")
		serveCommands(conn, nil)
	})

	cache := entity.NewCache()
	client := startClient(t, testConfig(url), cache)

	waitFor(t, 3*time.Second, func() bool { return conns.Load() >= 2 },
		"client never reconnected")
	waitFor(t, 2*time.Second, func() bool {
		_, err := cache.Get("sensor.round_two")
		return err == nil
	}, "event after reconnect never applied")

	if client.Stats().Reconnects == 0 {
		t.Error("expected Stats().Reconnects > 0")
	}

	// A fresh subscribe_events was issued on the second connection
	first, _ := subIDs.Load(int64(1))
	second, _ := subIDs.Load(int64(2))
	if first == nil || second == nil {
		t.Fatal("missing recorded subscription ids")
	}
	if first.(int64) == second.(int64) {
		t.Error("expected a new subscription correlation id after reconnect")
	}
}

func TestClient_StaleSubscriptionEventDropped(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		subID := serverHandshake(t, conn)
		// Event tagged with a stale correlation id must be ignored
		sendStateEvent(conn, subID+50, "light.stale", "on")
		sendStateEvent(conn, subID, "light.fresh", "on")
		serveCommands(conn, nil)
	})

	cache := entity.NewCache()
	startClient(t, testConfig(url), cache)

	waitFor(t, 2*time.Second, func() bool {
		_, err := cache.Get("light.fresh")
		return err == nil
	}, "valid event never applied")

	if _, err := cache.Get("light.stale"); !errors.Is(err, entity.ErrEntityNotFound) {
		t.Error("event for inactive subscription must not reach the cache")
	}
}

func TestClient_NullNewStateRemovesEntity(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		subID := serverHandshake(t, conn)
		sendStateEvent(conn, subID, "light.doomed", "on")
		conn.WriteJSON(map[string]any{
			"id":   subID,
			"type": "event",
			"event": map[string]any{
				"event_type": "state_changed",
				"data": map[string]any{
					"entity_id": "light.doomed",
					"new_state": nil,
					"old_state": map[string]any{"entity_id": "light.doomed", "state": "on"},
				},
			},
		})
		sendStateEvent(conn, subID, "light.marker", "on")
		serveCommands(conn, nil)
	})

	cache := entity.NewCache()
	startClient(t, testConfig(url), cache)

	// The marker event proves the removal event has been processed too
	waitFor(t, 2*time.Second, func() bool {
		_, err := cache.Get("light.marker")
		return err == nil
	}, "marker event never applied")

	if _, err := cache.Get("light.doomed"); !errors.Is(err, entity.ErrEntityNotFound) {
		t.Error("null new_state must remove the entity from the cache")
	}
}

func TestClient_UnknownFramesDropped(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		subID := serverHandshake(t, conn)
		conn.WriteJSON(map[string]any{"type": "zones/updated", "id": 999})
		conn.WriteJSON(map[string]any{"type": "auth_ok"}) // out of protocol here
		sendStateEvent(conn, subID, "light.after", "on")
		serveCommands(conn, nil)
	})

	cache := entity.NewCache()
	client := startClient(t, testConfig(url), cache)

	// The connection survives unknown frames and keeps processing events
	waitFor(t, 2*time.Second, func() bool {
		_, err := cache.Get("light.after")
		return err == nil
	}, "event after unknown frames never applied")

	if client.Stats().FramesDropped == 0 {
		t.Error("expected unknown frame to be counted as dropped")
	}
}

func TestClient_StartTwice(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		serverHandshake(t, conn)
		serveCommands(conn, nil)
	})

	client := startClient(t, testConfig(url), entity.NewCache())

	if err := client.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestClient_CloseIsTerminal(t *testing.T) {
	url := newHubServer(t, func(conn *websocket.Conn) {
		serverHandshake(t, conn)
		serveCommands(conn, nil)
	})

	client := startClient(t, testConfig(url), entity.NewCache())
	waitFor(t, 2*time.Second, client.Connected, "client never reached Listening")

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := client.State(); got != StateDisconnected {
		t.Errorf("State() after Close = %v, want Disconnected", got)
	}
	if err := client.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	// Idempotent
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// ===== State names =====

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAuthenticating, "authenticating"},
		{StateSubscribingEvents, "subscribing_events"},
		{StateListening, "listening"},
		{StateClosingForRetry, "closing_for_retry"},
		{ConnectionState(99), "invalid"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(time.Second, time.Minute); got != 1500*time.Millisecond {
		t.Errorf("nextBackoff(1s) = %v, want 1.5s", got)
	}
	if got := nextBackoff(50*time.Second, time.Minute); got != time.Minute {
		t.Errorf("nextBackoff(50s) = %v, want capped at 1m", got)
	}
}
