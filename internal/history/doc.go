// Package history persists entity state changes to an embedded SQLite
// database, giving the API a queryable trail of recent states.
//
// The store is append-only: each state_changed event becomes one row in the
// state_history table, and a periodic prune loop trims rows past the
// configured retention. The live entity cache stays memory-only; this store
// is a consumer of the hub's state-change stream, not a source of truth.
//
// Usage:
//
//	store, err := history.Open(history.Config{Path: "data/history.db"})
//	...
//	hubClient.AddListener(store.OnStateChange)
package history
