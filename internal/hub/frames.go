package hub

import (
	"encoding/json"
	"time"

	"github.com/oakmere/hearth-core/internal/entity"
)

// frameKind is the decoded variant of an inbound frame. Anything the client
// does not recognise maps to kindUnknown and is logged and dropped rather
// than probed further.
type frameKind int

const (
	kindUnknown frameKind = iota
	kindAuthRequired
	kindAuthOK
	kindAuthInvalid
	kindEvent
	kindResult
	kindPong
)

func (k frameKind) String() string {
	switch k {
	case kindAuthRequired:
		return "auth_required"
	case kindAuthOK:
		return "auth_ok"
	case kindAuthInvalid:
		return "auth_invalid"
	case kindEvent:
		return "event"
	case kindResult:
		return "result"
	case kindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// frame is one inbound JSON frame from the hub. A single struct covers all
// variants; kind() dispatches on the wire type tag.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *eventPayload   `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (f *frame) kind() frameKind {
	switch f.Type {
	case "auth_required":
		return kindAuthRequired
	case "auth_ok":
		return kindAuthOK
	case "auth_invalid":
		return kindAuthInvalid
	case "event":
		return kindEvent
	case "result":
		return kindResult
	case "pong":
		return kindPong
	default:
		return kindUnknown
	}
}

// eventPayload is the event envelope inside an event frame.
type eventPayload struct {
	EventType string           `json:"event_type"`
	Data      stateChangedData `json:"data"`
}

// stateChangedData is the payload of a state_changed event. NewState is nil
// when the hub reports the entity as removed.
type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	NewState *stateObject `json:"new_state"`
	OldState *stateObject `json:"old_state"`
}

// stateObject is the hub's complete state record for one entity.
type stateObject struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// toEntityState converts the wire state object into the cache's model.
// Nil in, nil out (entity removal).
func (s *stateObject) toEntityState() *entity.State {
	if s == nil {
		return nil
	}
	return &entity.State{
		EntityID:    s.EntityID,
		State:       s.State,
		Attributes:  s.Attributes,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}

// ===== Outbound frames =====

type authFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeFrame struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

type pingFrame struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// commandFrame is a bare correlated command with no arguments, used for the
// registry list commands.
type commandFrame struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type callServiceFrame struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}
