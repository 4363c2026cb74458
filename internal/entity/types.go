package entity

import (
	"strings"
	"time"
)

// State is the latest known state of one entity as reported by the hub.
// Every state_changed event replaces the record wholesale; fields are never
// merged individually because the hub always sends a complete state object.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// DeepCopy creates a complete independent copy of the State.
// The attributes map is cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.Attributes = deepCopyMap(s.Attributes)
	return &cpy
}

// RegistryRecord is the static metadata the hub's registries hold for one
// entity: its display name, area, parent device and aliases. Loaded once per
// successful connection and replaced wholesale on each reload.
type RegistryRecord struct {
	EntityID     string   `json:"entity_id"`
	Name         string   `json:"name,omitempty"`
	AreaID       string   `json:"area_id,omitempty"`
	AreaName     string   `json:"area_name,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	DeviceName   string   `json:"device_name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
}

// DeepCopy creates a complete independent copy of the RegistryRecord.
func (r *RegistryRecord) DeepCopy() *RegistryRecord {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.Aliases != nil {
		cpy.Aliases = make([]string, len(r.Aliases))
		copy(cpy.Aliases, r.Aliases)
	}
	return &cpy
}

// View is the merged read model handed to callers: live state joined with
// registry metadata for one entity id. It is always a deep copy; callers can
// retain and mutate it freely.
type View struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`

	// HasState is false for entities known only from the registry with no
	// observed state yet. Such entities are still searchable.
	HasState bool `json:"has_state"`

	Name         string   `json:"name,omitempty"`
	AreaID       string   `json:"area_id,omitempty"`
	AreaName     string   `json:"area_name,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	DeviceName   string   `json:"device_name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
}

// Domain returns the entity id's domain segment (the portion preceding the
// first "."). Returns the whole id if no separator is present.
func (v View) Domain() string {
	return DomainOf(v.EntityID)
}

// FriendlyName returns the best human-readable name for the entity:
// the registry name if set, then the friendly_name attribute, then the id.
func (v View) FriendlyName() string {
	if v.Name != "" {
		return v.Name
	}
	if fn, ok := v.Attributes["friendly_name"].(string); ok && fn != "" {
		return fn
	}
	return v.EntityID
}

// DomainOf returns the domain segment of an entity id.
func DomainOf(entityID string) string {
	if idx := strings.IndexByte(entityID, '.'); idx >= 0 {
		return entityID[:idx]
	}
	return entityID
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}
