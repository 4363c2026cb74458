package statestream

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/oakmere/hearth-core/internal/entity"
	"github.com/oakmere/hearth-core/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxPayloadSize caps state payloads (1MB) to align with broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// statePayload is the JSON shape published on state topics.
type statePayload struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
}

// Publisher streams entity state changes to the MQTT broker.
type Publisher struct {
	client   pahomqtt.Client
	cfg      config.StateStreamConfig
	clientID string

	connected bool
	connMu    sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Connect establishes a connection to the MQTT broker.
//
// It configures auto-reconnect with exponential backoff, a Last Will and
// Testament on the availability topic, and publishes the online status after
// each (re)connect. The configured client id gets a random suffix so several
// instances never collide on the broker.
func Connect(cfg config.StateStreamConfig) (*Publisher, error) {
	clientID := buildClientID(cfg.Broker.ClientID)
	opts := buildClientOptions(cfg, clientID)
	configureLWT(opts, clientID)

	p := &Publisher{
		cfg:      cfg,
		clientID: clientID,
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.handleDisconnect(err)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have executed
	// yet; mark connected here so IsConnected() is immediately accurate.
	p.connMu.Lock()
	p.connected = true
	p.connMu.Unlock()

	return p, nil
}

// PublishState publishes one entity state as a retained message. A nil state
// clears the retained message for the entity's topic (entity removed).
func (p *Publisher) PublishState(entityID string, st *entity.State) error {
	domain, objectID, ok := splitEntityID(entityID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	topic := Topics{}.State(domain, objectID)

	// Zero-length retained payload deletes the retained message
	var payload []byte
	if st != nil {
		var err error
		payload, err = json.Marshal(statePayload{
			EntityID:    entityID,
			State:       st.State,
			Attributes:  st.Attributes,
			LastChanged: st.LastChanged,
			LastUpdated: st.LastUpdated,
		})
		if err != nil {
			return fmt.Errorf("marshalling state payload: %w", err)
		}
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes",
			ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !p.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, byte(p.cfg.QoS), true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// IsConnected returns the current connection state.
func (p *Publisher) IsConnected() bool {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connected && p.client.IsConnected()
}

// SetLogger sets a logger for error logging.
// If not set, publish errors in callbacks are silently ignored.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

// Close publishes the graceful offline status and disconnects.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}

	if p.IsConnected() {
		token := p.client.Publish(Topics{}.SystemStatus(), byte(p.cfg.QoS), true,
			buildOfflinePayload(p.clientID))
		token.WaitTimeout(defaultPublishTimeout)
	}

	p.client.Disconnect(defaultDisconnectQuiesce)

	p.connMu.Lock()
	p.connected = false
	p.connMu.Unlock()
	return nil
}

func (p *Publisher) handleConnect() {
	p.connMu.Lock()
	p.connected = true
	p.connMu.Unlock()

	// Announce availability; retained so late subscribers see it
	p.client.Publish(Topics{}.SystemStatus(), byte(p.cfg.QoS), true,
		buildOnlinePayload(p.clientID))
}

func (p *Publisher) handleDisconnect(err error) {
	p.connMu.Lock()
	p.connected = false
	p.connMu.Unlock()

	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn("state stream connection lost", "error", err)
	}
}

// buildClientID appends a random suffix so multiple instances of the service
// can share a broker without session collisions.
func buildClientID(base string) string {
	if base == "" {
		base = "hearth-core"
	}
	return base + "-" + uuid.NewString()[:8]
}

// buildClientOptions creates paho MQTT options from the state-stream config.
func buildClientOptions(cfg config.StateStreamConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(clientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - no persistent session on the broker
	opts.SetCleanSession(true)

	// Auto-reconnect with exponential backoff
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
// Published by the broker if the client disconnects unexpectedly.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
	opts.SetWill(Topics{}.SystemStatus(), willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// splitEntityID splits "domain.object_id". ok is false when there is no
// domain separator or either side is empty.
func splitEntityID(entityID string) (domain, objectID string, ok bool) {
	idx := strings.IndexByte(entityID, '.')
	if idx <= 0 || idx == len(entityID)-1 {
		return "", "", false
	}
	return entityID[:idx], entityID[idx+1:], true
}
