// Package mqtt publishes gateway state downstream over MQTT.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Retained per-instance state topics
//   - Refresh-completed events
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The gateway is a publisher only. Every record change the state
// coordinator observes is published retained to its state topic, so a
// consumer that connects (or reconnects) immediately receives the
// current state of every instance without a request/response exchange.
//
//	Controller ↔ Gateway → MQTT Broker → Consumers
//
// Commands flow upstream through the controller's own channels, never
// through MQTT; the package deliberately carries no subscription
// machinery.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
package mqtt
