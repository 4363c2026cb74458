// Package logging provides structured logging for Hearth Core.
//
// Built on log/slog, it supports:
//   - JSON output for production (machine-parseable)
//   - Text output for development (human-readable)
//   - Level filtering (debug, info, warn, error)
//   - Default fields on every entry (service, version)
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	hubLogger := logger.With("component", "hub")
//	hubLogger.Info("connected", "url", cfg.Hub.URL)
package logging
