// Package hub implements the persistent WebSocket client for the
// home-automation hub: connection lifecycle, authentication, the
// state_changed event subscription, correlated service calls and the
// per-connection registry load.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────┐
//	│                      Client                         │
//	│                                                     │
//	│  run loop ──▶ dial ──▶ authenticate ──▶ subscribe   │
//	│     ▲                                     │         │
//	│     │ backoff tiers                       ▼         │
//	│     └──────────────────────────────── listen loop   │
//	│                                           │         │
//	│               pinger (liveness)           │         │
//	└───────────────────────────────────────────┼─────────┘
//	                                            ▼
//	                 entity.Cache (synchronous write path)
//	                                            │
//	                              bounded queue ▼ worker
//	                          registered state listeners
//
// The run loop owns the connection state machine and is the only goroutine
// that transitions ConnectionState. The listen loop is alive only while
// Listening; any exit (benign close, protocol error, transport error) tears
// the connection down and re-enters Connecting after the appropriate backoff
// tier. Authentication failures back off far longer than transport failures:
// hammering the hub with a bad credential is useless and may be rate-limited.
//
// Cache writes happen synchronously in the listen loop, so every event is
// applied before the next frame is read. Listener fan-out goes through a
// bounded queue drained by a single worker, which keeps delivery ordered and
// keeps a slow listener from stalling ingestion (overflow drops are counted).
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
package hub
