// Package transport implements the controller's push channel: a
// persistent websocket connection carrying sequence-correlated
// request/response calls and server-initiated state deltas.
//
// One Client owns one connection. Requests carry a per-session sequence
// id that the server echoes back, so responses may arrive out of order
// and interleaved with push batches. A small set of notify operations
// (keepalive, client info) produces no response envelope and resolves
// locally on write.
//
// Subscriptions register composite "<instance>.<property>" keys with the
// server and survive disconnects: the registry is replayed in one batched
// register call on every successful Connect. Push deltas are decoded,
// grouped per instance, filtered to the subscribed property set and
// delivered by a single dispatch goroutine, preserving per-instance
// ordering.
//
// The client never reconnects by itself. Connection loss (read error or
// idle watchdog expiry) tears the session down, rejects pending calls and
// signals Lost; the owner dials again, getting a fresh sequence counter
// and a replayed registry.
package transport
