// Hearth Core - Home Hub Gateway
//
// This is the main entry point for the Hearth Core application. Hearth
// maintains a persistent, self-healing WebSocket connection to a home
// automation hub, mirrors its entity state into an in-memory cache, and
// exposes the cache through a REST/WebSocket API with tiered search,
// state history, an MQTT state stream, and InfluxDB telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oakmere/hearth-core/internal/api"
	"github.com/oakmere/hearth-core/internal/entity"
	"github.com/oakmere/hearth-core/internal/history"
	"github.com/oakmere/hearth-core/internal/hub"
	"github.com/oakmere/hearth-core/internal/infrastructure/config"
	"github.com/oakmere/hearth-core/internal/infrastructure/logging"
	"github.com/oakmere/hearth-core/internal/statestream"
	"github.com/oakmere/hearth-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Entity cache: the single source of truth for hub state
	cache := entity.NewCache()
	cache.SetLogger(log)

	// Hub client: persistent WebSocket connection with auto-reconnect
	hubClient, err := hub.New(hubConfig(cfg), cache)
	if err != nil {
		return fmt.Errorf("creating hub client: %w", err)
	}
	hubClient.SetLogger(log)

	// State history (optional)
	var historyStore *history.Store
	if cfg.History.Enabled {
		historyStore, err = history.Open(history.Config{
			Path:        cfg.History.Path,
			BusyTimeout: cfg.History.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer func() {
			log.Info("closing history store")
			if closeErr := historyStore.Close(); closeErr != nil {
				log.Error("error closing history store", "error", closeErr)
			}
		}()
		historyStore.SetLogger(log)
		log.Info("history store opened", "path", cfg.History.Path)

		if cfg.History.RetentionDays > 0 {
			historyStore.StartPruning(time.Duration(cfg.History.RetentionDays) * 24 * time.Hour)
		}

		hubClient.AddListener(func(change hub.StateChange) {
			if change.NewState == nil {
				return // removals are not recorded
			}
			recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if recordErr := historyStore.Record(recordCtx,
				change.EntityID,
				change.NewState.State,
				change.NewState.Attributes,
				change.NewState.LastChanged,
			); recordErr != nil {
				log.Warn("history record failed", "entity_id", change.EntityID, "error", recordErr)
			}
		})
	} else {
		log.Info("state history disabled")
	}

	// MQTT state stream (optional)
	if cfg.StateStream.Enabled {
		publisher, connErr := statestream.Connect(cfg.StateStream)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting state stream")
			if closeErr := publisher.Close(); closeErr != nil {
				log.Error("error closing state stream", "error", closeErr)
			}
		}()
		publisher.SetLogger(log)
		log.Info("state stream connected",
			"broker", fmt.Sprintf("%s:%d", cfg.StateStream.Broker.Host, cfg.StateStream.Broker.Port),
		)

		hubClient.AddListener(func(change hub.StateChange) {
			if pubErr := publisher.PublishState(change.EntityID, change.NewState); pubErr != nil {
				log.Warn("state stream publish failed", "entity_id", change.EntityID, "error", pubErr)
			}
		})
	} else {
		log.Info("state stream disabled")
	}

	// InfluxDB telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := telemetry.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		hubClient.AddListener(func(change hub.StateChange) {
			influxClient.WriteEntityState(change.EntityID, change.NewState)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// API server: REST + WebSocket over the cache and hub client
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Cache:    cache,
		Hub:      hubClient,
		History:  historyStore,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Start the hub connection last so every listener is registered before
	// the first event arrives
	if startErr := hubClient.Start(); startErr != nil {
		return fmt.Errorf("starting hub client: %w", startErr)
	}
	defer func() {
		log.Info("closing hub connection")
		if closeErr := hubClient.Close(); closeErr != nil {
			log.Error("error closing hub connection", "error", closeErr)
		}
	}()
	log.Info("hub client started", "url", cfg.Hub.URL)

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Hub client (stop producing events)
	// 2. API server
	// 3. InfluxDB (if enabled)
	// 4. State stream (if enabled)
	// 5. History store (if enabled)

	log.Info("Hearth Core stopped")
	return nil
}

// hubConfig maps the loaded configuration onto the hub client's config.
func hubConfig(cfg *config.Config) hub.Config {
	return hub.Config{
		URL:             cfg.Hub.URL,
		Token:           cfg.Hub.Token,
		ConnectTimeout:  time.Duration(cfg.Hub.ConnectTimeout) * time.Second,
		AuthTimeout:     time.Duration(cfg.Hub.AuthTimeout) * time.Second,
		CallTimeout:     time.Duration(cfg.Hub.CallTimeout) * time.Second,
		PingInterval:    time.Duration(cfg.Hub.PingInterval) * time.Second,
		LivenessTimeout: time.Duration(cfg.Hub.LivenessTimeout) * time.Second,
		Backoff: hub.BackoffConfig{
			Initial:     time.Duration(cfg.Hub.Reconnect.InitialDelay) * time.Second,
			Max:         time.Duration(cfg.Hub.Reconnect.MaxDelay) * time.Second,
			AuthFailure: time.Duration(cfg.Hub.Reconnect.AuthFailureDelay) * time.Second,
			Close:       time.Duration(cfg.Hub.Reconnect.CloseDelay) * time.Second,
			Error:       time.Duration(cfg.Hub.Reconnect.ErrorDelay) * time.Second,
		},
	}
}

// getConfigPath returns the configuration file path.
// Uses HEARTH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
