package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// pruneInterval is how often the retention loop runs.
	pruneInterval = time.Hour

	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	msPerSecond       = 1000
	connectionTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS state_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT NOT NULL,
	state       TEXT NOT NULL,
	attributes  TEXT,
	changed_at  TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_history_entity
	ON state_history (entity_id, recorded_at DESC);
`

// Config contains the SQLite store settings.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory is created if it doesn't exist.
	Path string

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int
}

// Entry is one recorded state change, newest first in query results.
type Entry struct {
	ID         int64          `json:"id"`
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	ChangedAt  time.Time      `json:"changed_at"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Store is the append-only SQLite state-history recorder.
//
// All public methods are thread-safe; SQLite access is serialised through a
// single connection (one writer is all SQLite supports anyway).
type Store struct {
	db     *sql.DB
	logger Logger

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Open opens (creating if necessary) the history database and ensures the
// schema exists. WAL mode is always enabled so reads don't block the writer.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	connStr := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout*msPerSecond,
	)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying history database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	// Owner read/write only; best effort on first run
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Store{
		db:     db,
		logger: noopLogger{},
		done:   make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Record appends one state change.
//
// A zero changedAt falls back to the current time so replayed events without
// hub timestamps still sort sensibly.
func (s *Store) Record(ctx context.Context, entityID, state string, attributes map[string]any, changedAt time.Time) error {
	if entityID == "" {
		return fmt.Errorf("history: entity id is required")
	}
	if changedAt.IsZero() {
		changedAt = time.Now().UTC()
	}

	var attrsJSON []byte
	if attributes != nil {
		var err error
		attrsJSON, err = json.Marshal(attributes)
		if err != nil {
			return fmt.Errorf("marshalling attributes: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_history (entity_id, state, attributes, changed_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entityID,
		state,
		string(attrsJSON),
		changedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// History returns recent entries for an entity, newest first.
// limit defaults to 50 and is capped at 200.
func (s *Store) History(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if entityID == "" {
		return nil, fmt.Errorf("history: entity id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, state, attributes, changed_at, recorded_at
		 FROM state_history
		 WHERE entity_id = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var attrsJSON sql.NullString
		var changedAt, recordedAt string

		if err := rows.Scan(&entry.ID, &entry.EntityID, &entry.State, &attrsJSON, &changedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}

		if attrsJSON.Valid && attrsJSON.String != "" {
			if err := json.Unmarshal([]byte(attrsJSON.String), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshalling attributes: %w", err)
			}
		}

		if entry.ChangedAt, err = parseTimestamp(changedAt); err != nil {
			return nil, err
		}
		if entry.RecordedAt, err = parseTimestamp(recordedAt); err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded before now-olderThan.
// Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}

// StartPruning launches the hourly retention loop. No-op if retention <= 0.
func (s *Store) StartPruning(retention time.Duration) {
	if retention <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				removed, err := s.Prune(ctx, retention)
				cancel()
				if err != nil {
					s.logger.Error("history prune failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Info("history pruned", "removed", removed)
				}
			}
		}
	}()
}

// Close stops the prune loop and closes the database. Idempotent.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.db.Close()
}

// parseTimestamp parses a timestamp stored in SQLite, with a fallback for
// second-precision values.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("history: timestamp is empty")
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return ts, nil
	}
	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}
	return time.Time{}, fmt.Errorf("history: parsing timestamp: %w", err)
}
