package transport

import "errors"

// Domain errors for the transport package.
var (
	// ErrNotConnected is returned when an operation requires a live push
	// channel but the client is not connected.
	ErrNotConnected = errors.New("transport: not connected to controller")

	// ErrConnectionFailed is returned when connecting to the controller fails.
	ErrConnectionFailed = errors.New("transport: connection to controller failed")

	// ErrConnectionClosed is returned for requests outstanding when the
	// connection is torn down, and for connects aborted by Disconnect.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrCallTimeout is returned when no correlated response arrives
	// within the call timeout.
	ErrCallTimeout = errors.New("transport: call timed out")

	// ErrProtocol is returned for malformed or unexpected message shapes.
	ErrProtocol = errors.New("transport: protocol error")
)
