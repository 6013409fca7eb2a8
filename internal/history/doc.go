// Package history persists the local state-change audit trail. Every
// record replacement the coordinator observes is written here with its
// full canonical field snapshot, so recent changes remain inspectable
// even when the time-series database is unreachable.
package history
