// Package poll implements the controller's stateless request/response
// channel. It carries the periodic full-state polls that seed and
// converge the state coordinator's snapshot, and serves as the channel of
// last resort for command dispatch when the push channel is unavailable.
//
// Authentication is delegated to a session source. A 401 triggers exactly
// one token refresh and one retry; a re-login failure during that refresh
// propagates immediately so callers back off instead of retrying in a
// tight loop.
package poll
