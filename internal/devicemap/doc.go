// Package devicemap defines the closed set of device kinds the gateway
// understands and the per-kind field-mapping table.
//
// The table answers three questions for the synchronization core:
//   - which canonical fields exist for a device kind
//   - how wire property spellings translate to canonical field names
//   - which canonical operations have a push-channel mapping, and which
//     companion values that mapping needs before it can be sent
//
// Device kinds are a closed, tagged variant set compared with exact
// matches. Substring matching is deliberately avoided: similarly-named
// kinds ("relay", "relay_dim") must never cross-match.
//
// The core consumes the table only through the narrow interfaces declared
// in the state and command packages. Site-specific tables can replace the
// default one without touching the core.
package devicemap
