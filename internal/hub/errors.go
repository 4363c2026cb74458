package hub

import "errors"

var (
	// ErrNotConnected is returned when an operation requires an established,
	// authenticated connection and the client is not in the Listening state.
	ErrNotConnected = errors.New("hub: not connected")

	// ErrAuthFailed indicates the hub rejected the access token, or the
	// auth reply timed out. The reconnect loop applies the long backoff tier.
	ErrAuthFailed = errors.New("hub: authentication failed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("hub: client already started")

	// ErrClosed is returned for operations on a client after Close.
	ErrClosed = errors.New("hub: client closed")

	// ErrInvalidService is returned when a service call is missing its
	// domain or service name.
	ErrInvalidService = errors.New("hub: invalid domain or service")

	// ErrCallFailed indicates the hub explicitly reported the service call
	// as unsuccessful.
	ErrCallFailed = errors.New("hub: service call failed")

	// ErrCallUnconfirmed indicates no result frame arrived for the call
	// before the timeout or before the connection dropped. The call may or
	// may not have taken effect on the hub.
	ErrCallUnconfirmed = errors.New("hub: service call unconfirmed")

	// ErrCallCancelled indicates the client was shut down while the call
	// was still pending.
	ErrCallCancelled = errors.New("hub: service call cancelled")
)
