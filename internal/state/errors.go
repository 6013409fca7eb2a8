package state

import "errors"

// Domain errors for the state package.
var (
	// ErrUnknownInstance is returned when a command targets an instance
	// the current snapshot does not contain.
	ErrUnknownInstance = errors.New("state: unknown instance")

	// ErrRefreshFailed is returned when a full poll cannot be completed.
	// The previously held snapshot is retained unchanged.
	ErrRefreshFailed = errors.New("state: refresh failed")

	// ErrCorrelateFailed is returned when the batched history query for
	// derived daily values fails.
	ErrCorrelateFailed = errors.New("state: history correlation failed")
)
