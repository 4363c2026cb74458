package telemetry

import (
	"errors"
	"testing"

	"github.com/oakmere/hearth-core/internal/infrastructure/config"
)

// ===== State value extraction =====

func TestNumericValue(t *testing.T) {
	tests := []struct {
		name   string
		state  string
		want   float64
		wantOK bool
	}{
		{"integer", "21", 21, true},
		{"decimal", "21.5", 21.5, true},
		{"negative", "-4.2", -4.2, true},
		{"zero", "0", 0, true},
		{"on", "on", 1, true},
		{"off", "off", 0, true},
		{"open", "open", 1, true},
		{"closed", "closed", 0, true},
		{"locked", "locked", 1, true},
		{"unlocked", "unlocked", 0, true},
		{"home", "home", 1, true},
		{"not_home", "not_home", 0, true},
		{"non-numeric", "playing", 0, false},
		{"unavailable", "unavailable", 0, false},
		{"empty", "", 0, false},
		{"mixed", "21C", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := numericValue(tt.state)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("numericValue(%q) = (%v, %v), want (%v, %v)",
					tt.state, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// ===== Connect validation =====

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}
