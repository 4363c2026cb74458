package statestream

import "errors"

// Domain-specific errors for state-stream operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting to publish on a
	// disconnected client.
	ErrNotConnected = errors.New("statestream: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("statestream: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("statestream: publish failed")

	// ErrInvalidEntityID is returned when an entity id has no domain segment
	// and therefore no topic to publish on.
	ErrInvalidEntityID = errors.New("statestream: invalid entity id")
)
