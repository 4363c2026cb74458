// Package entity maintains the live entity model: the state cache fed by the
// hub's event stream, the registry metadata loaded once per connection, and
// the search engine that ranks entities against free-text queries.
//
// Architecture:
//
//	                 ┌──────────────┐
//	 hub events ────▶│    Cache     │◀──── registry load (per connection)
//	 (write path)    │  states +    │
//	                 │  registry    │
//	                 └──────┬───────┘
//	                        │ snapshot views (deep copies)
//	                        ▼
//	                 ┌──────────────┐
//	                 │    Search    │  pure scoring over views
//	                 └──────────────┘
//
// State and registry data are stored separately and joined only at read time,
// so the high-churn event stream never invalidates the low-churn registry
// snapshot. Readers always receive deep copies; nothing handed out by this
// package aliases cache memory.
//
// Thread Safety:
//   - Cache is safe for concurrent use. Search is a pure function.
package entity
