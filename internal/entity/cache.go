package entity

import (
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Cache.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a snapshot of cache counters.
type Stats struct {
	States        int    `json:"states"`
	RegistryOnly  int    `json:"registry_only"`
	Applied       uint64 `json:"applied"`
	Deleted       uint64 `json:"deleted"`
	Skipped       uint64 `json:"skipped"`
	RegistryLoads uint64 `json:"registry_loads"`
}

// Cache is the live entity store: latest state per entity id plus the most
// recent registry snapshot. It is the single writer-owned shared resource;
// the hub's listen loop writes through ApplyStateChange/LoadRegistry and all
// other components read deep-copied snapshots.
//
// All public methods are thread-safe.
type Cache struct {
	mu       sync.RWMutex
	states   map[string]*State
	registry map[string]*RegistryRecord
	logger   Logger

	applied       uint64
	deleted       uint64
	skipped       uint64
	registryLoads uint64
}

// NewCache creates an empty entity cache.
func NewCache() *Cache {
	return &Cache{
		states:   make(map[string]*State),
		registry: make(map[string]*RegistryRecord),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// ApplyStateChange is the single entry point for the write path.
//
// A non-nil newState overwrites the entity's record wholesale; a nil newState
// deletes it (the hub reported the entity as removed). Malformed input never
// raises: it is logged and the update is skipped for that entity only, so the
// previous value survives.
//
// Thread Safety:
//   - Atomic with respect to readers; a Get during an apply sees either the
//     old record or the new one, never a partial write.
func (c *Cache) ApplyStateChange(entityID string, newState *State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entityID == "" {
		c.skipped++
		c.logger.Warn("state change skipped: empty entity id")
		return
	}

	if newState == nil {
		if _, ok := c.states[entityID]; ok {
			delete(c.states, entityID)
			c.deleted++
			c.logger.Debug("entity removed", "entity_id", entityID)
		}
		return
	}

	if newState.EntityID != "" && newState.EntityID != entityID {
		c.skipped++
		c.logger.Warn("state change skipped: entity id mismatch",
			"entity_id", entityID, "state_entity_id", newState.EntityID)
		return
	}

	cpy := newState.DeepCopy()
	cpy.EntityID = entityID
	c.states[entityID] = cpy
	c.applied++
}

// LoadRegistry replaces the entire registry snapshot. Called once per
// successful connection; the new snapshot supersedes any stale registry data
// from a previous connection.
func (c *Cache) LoadRegistry(records []RegistryRecord) {
	snapshot := make(map[string]*RegistryRecord, len(records))
	for i := range records {
		r := records[i]
		if r.EntityID == "" {
			continue
		}
		snapshot[r.EntityID] = r.DeepCopy()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry = snapshot
	c.registryLoads++
	c.logger.Info("registry snapshot loaded", "entities", len(snapshot))
}

// Get returns the merged state+registry view for an entity id.
// Returns ErrEntityNotFound if the id is unknown to both stores.
// The returned view is a deep copy; it never blocks the ingestion path
// beyond the read lock.
func (c *Cache) Get(entityID string) (View, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, hasState := c.states[entityID]
	record := c.registry[entityID]
	if !hasState && record == nil {
		return View{}, ErrEntityNotFound
	}

	return mergeView(entityID, state, record), nil
}

// Views returns a merged snapshot of every known entity: state-known,
// registry-known, or both. The result is fully deep-copied and sorted by
// entity id for deterministic iteration.
func (c *Cache) Views() []View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	views := make([]View, 0, len(c.states)+len(c.registry))
	seen := make(map[string]struct{}, len(c.states))

	for id, state := range c.states {
		seen[id] = struct{}{}
		views = append(views, mergeView(id, state, c.registry[id]))
	}
	for id, record := range c.registry {
		if _, ok := seen[id]; ok {
			continue
		}
		views = append(views, mergeView(id, nil, record))
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].EntityID < views[j].EntityID
	})
	return views
}

// Len returns the number of distinct entity ids known to the cache.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.states)
	for id := range c.registry {
		if _, ok := c.states[id]; !ok {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	registryOnly := 0
	for id := range c.registry {
		if _, ok := c.states[id]; !ok {
			registryOnly++
		}
	}

	return Stats{
		States:        len(c.states),
		RegistryOnly:  registryOnly,
		Applied:       c.applied,
		Deleted:       c.deleted,
		Skipped:       c.skipped,
		RegistryLoads: c.registryLoads,
	}
}

// mergeView joins one entity's state and registry record into a View.
// Caller must hold at least the read lock; the result aliases nothing.
func mergeView(entityID string, state *State, record *RegistryRecord) View {
	v := View{EntityID: entityID}

	if state != nil {
		v.State = state.State
		v.Attributes = deepCopyMap(state.Attributes)
		v.LastChanged = state.LastChanged
		v.LastUpdated = state.LastUpdated
		v.HasState = true
	}

	if record != nil {
		v.Name = record.Name
		v.AreaID = record.AreaID
		v.AreaName = record.AreaName
		v.DeviceID = record.DeviceID
		v.DeviceName = record.DeviceName
		v.Manufacturer = record.Manufacturer
		v.Model = record.Model
		v.Platform = record.Platform
		if record.Aliases != nil {
			v.Aliases = make([]string, len(record.Aliases))
			copy(v.Aliases, record.Aliases)
		}
	}

	return v
}
