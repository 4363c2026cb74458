package telemetry

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/oakmere/hearth-core/internal/entity"
)

// binaryStates maps well-known two-valued states to numeric values so that
// switches, locks and presence sensors can be graphed next to numeric series.
var binaryStates = map[string]float64{
	"on":       1,
	"off":      0,
	"open":     1,
	"closed":   0,
	"locked":   1,
	"unlocked": 0,
	"home":     1,
	"not_home": 0,
}

// WriteEntityState records one entity state change as an entity_state point.
//
// Numeric states are written as their parsed value; recognised binary states
// are written as 1/0. States that are neither numeric nor binary (e.g.
// "playing", "cleaning") are skipped, as are nil states from entity removals.
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteEntityState(entityID string, st *entity.State) {
	if st == nil || !c.IsConnected() {
		return
	}

	value, ok := numericValue(st.State)
	if !ok {
		return
	}

	ts := st.LastUpdated
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		"entity_state",
		map[string]string{
			"entity_id": entityID,
			"domain":    entity.DomainOf(entityID),
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the entity-state helper.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// numericValue converts a state string to a float64 for recording.
// Returns false for states with no meaningful numeric representation.
func numericValue(state string) (float64, bool) {
	if v, ok := binaryStates[state]; ok {
		return v, true
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
