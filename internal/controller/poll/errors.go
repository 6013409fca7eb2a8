package poll

import "errors"

// Domain errors for the poll package.
var (
	// ErrRequestFailed is returned when a stateless request cannot be
	// completed against the controller.
	ErrRequestFailed = errors.New("poll: request failed")

	// ErrUnauthorized is returned when the controller still rejects the
	// request after a token refresh and retry.
	ErrUnauthorized = errors.New("poll: request unauthorized")

	// ErrMalformedResponse is returned when a response body cannot be
	// decoded into the expected shape.
	ErrMalformedResponse = errors.New("poll: malformed response")
)
