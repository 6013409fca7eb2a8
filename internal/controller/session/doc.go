// Package session manages bearer tokens for the controller connection.
//
// The Manager caches the token issued by the controller's login endpoint
// and refreshes it before expiry. Concurrent callers hitting an expired
// cache collapse into a single network login.
//
// # Failure handling
//
// Network failures set an exponentially-growing not-before window; Token
// calls inside the window fail immediately with ErrBackoff and make no
// network attempt. Credential rejections clear the cache and return
// ErrAuthRejected without a window. In both cases the caller receives an
// error — the manager never silently clears the token, which is what
// protects the rest of the system from auth storms under transient
// network loss.
package session
