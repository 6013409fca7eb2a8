package session

import "errors"

// Domain errors for the session package.
var (
	// ErrAuthRejected is returned when the controller rejects the
	// configured credentials. Retrying will not help; the cached token is
	// cleared and no backoff window is set.
	ErrAuthRejected = errors.New("session: credentials rejected by controller")

	// ErrLoginFailed is returned when a login attempt fails for network
	// or protocol reasons. A backoff window is set.
	ErrLoginFailed = errors.New("session: login failed")

	// ErrBackoff is returned when Token is called inside the not-before
	// window after a failed login. No network attempt is made.
	ErrBackoff = errors.New("session: login backoff in effect")
)
