// Package telemetry records numeric entity states to InfluxDB.
//
// Each applicable state change becomes one entity_state point, tagged with
// the entity id and its domain. States that parse as numbers are written as
// their value; common binary states (on/off, open/closed, locked/unlocked,
// home/not_home) are written as 1/0 so switches and sensors graph alongside
// numeric readings. Everything else is skipped.
//
// Writes are non-blocking and batched by the InfluxDB client; async write
// failures surface through the error callback.
package telemetry
