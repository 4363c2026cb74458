package hub

import (
	"encoding/json"
	"testing"
)

func TestFrame_Kind(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		want frameKind
	}{
		{"auth required", "auth_required", kindAuthRequired},
		{"auth ok", "auth_ok", kindAuthOK},
		{"auth invalid", "auth_invalid", kindAuthInvalid},
		{"event", "event", kindEvent},
		{"result", "result", kindResult},
		{"pong", "pong", kindPong},
		{"unrecognised", "zones/updated", kindUnknown},
		{"empty", "", kindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frame{Type: tt.typ}
			if got := f.kind(); got != tt.want {
				t.Errorf("kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrame_DecodeStateChangedEvent(t *testing.T) {
	raw := `{
		"id": 7,
		"type": "event",
		"event": {
			"event_type": "state_changed",
			"data": {
				"entity_id": "light.kitchen",
				"new_state": {
					"entity_id": "light.kitchen",
					"state": "on",
					"attributes": {"brightness": 254, "friendly_name": "Kitchen Light"},
					"last_changed": "2026-03-01T12:00:00Z",
					"last_updated": "2026-03-01T12:00:00Z"
				},
				"old_state": {
					"entity_id": "light.kitchen",
					"state": "off"
				}
			}
		}
	}`

	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	if f.kind() != kindEvent {
		t.Fatalf("kind() = %v, want kindEvent", f.kind())
	}
	if f.ID != 7 {
		t.Errorf("ID = %d, want 7", f.ID)
	}

	data := f.Event.Data
	if data.EntityID != "light.kitchen" {
		t.Errorf("EntityID = %q", data.EntityID)
	}
	if data.NewState == nil || data.NewState.State != "on" {
		t.Fatalf("NewState = %+v, want state on", data.NewState)
	}
	if data.NewState.Attributes["friendly_name"] != "Kitchen Light" {
		t.Errorf("attributes not decoded: %v", data.NewState.Attributes)
	}
	if data.OldState == nil || data.OldState.State != "off" {
		t.Errorf("OldState = %+v, want state off", data.OldState)
	}

	es := data.NewState.toEntityState()
	if es.EntityID != "light.kitchen" || es.State != "on" {
		t.Errorf("toEntityState() = %+v", es)
	}
	if es.LastChanged.IsZero() {
		t.Error("LastChanged not decoded")
	}
}

func TestFrame_DecodeNullNewState(t *testing.T) {
	raw := `{
		"id": 7,
		"type": "event",
		"event": {
			"event_type": "state_changed",
			"data": {
				"entity_id": "light.removed",
				"new_state": null,
				"old_state": {"entity_id": "light.removed", "state": "on"}
			}
		}
	}`

	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	if f.Event.Data.NewState != nil {
		t.Errorf("NewState = %+v, want nil for removed entity", f.Event.Data.NewState)
	}
	if got := f.Event.Data.NewState.toEntityState(); got != nil {
		t.Errorf("toEntityState() = %+v, want nil", got)
	}
}

func TestFrame_DecodeResult(t *testing.T) {
	raw := `{"id": 12, "type": "result", "success": false, "message": "not found"}`

	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	if f.kind() != kindResult {
		t.Fatalf("kind() = %v, want kindResult", f.kind())
	}
	if f.Success == nil || *f.Success {
		t.Errorf("Success = %v, want false", f.Success)
	}
	if f.Message != "not found" {
		t.Errorf("Message = %q", f.Message)
	}
}
