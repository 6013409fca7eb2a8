// Package influxdb provides time-series connectivity for the gateway.
//
// It wraps the official influxdb-client-go v2 library for two concerns:
//
//   - Telemetry writes: every record change the coordinator observes is
//     written as a point, batched and non-blocking. Write errors arrive
//     asynchronously via a callback.
//   - The batched daily-energy query: one Flux query per correlation
//     cycle covering every meter, whose results become the derived
//     "today" value on meter records.
//
// All methods are safe for concurrent use. Connect and HealthCheck return
// errors directly; write failures surface through SetOnError.
package influxdb
