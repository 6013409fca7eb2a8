// Package state maintains the canonical view of all device records and
// reconciles the two independent data-arrival channels that feed it.
//
// Periodic full polls rebuild the snapshot from scratch and swap it in
// atomically. Push deltas land between polls and replace individual
// records copy-on-write: the old record is cloned, the delta merged into
// the clone, and the clone swapped into the record's slot, so a reader
// holding the old reference sees a consistent stale view rather than a
// torn one. A delta that arrives mid-refresh is re-resolved against
// whichever snapshot is current when it commits.
//
// The coordinator also derives aggregate fields from retained
// sub-component values, correlates meter records against a time-series
// store in one batched query per cycle, and fronts command dispatch so
// the refresh-suppression policy lives in one place.
package state
