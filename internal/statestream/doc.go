// Package statestream republishes entity state changes to an MQTT broker.
//
// Every state change the hub client delivers becomes a retained JSON message
// on hearth/state/<domain>/<object_id>, so dashboards and other consumers can
// subscribe to live state without speaking the hub's WebSocket protocol, and
// late subscribers immediately receive the last known state of every topic.
// Entity removals clear the retained message.
//
// Availability is signalled on hearth/system/status: an online message after
// each (re)connect, a graceful offline message on Close, and a broker-side
// Last Will and Testament for unexpected disconnects.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
package statestream
