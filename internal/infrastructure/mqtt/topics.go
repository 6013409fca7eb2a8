package mqtt

import "fmt"

// topicPrefix is the root of the gateway's MQTT namespace.
const topicPrefix = "domuslink"

// Topics builds the gateway's MQTT topic names. Zero value is usable.
type Topics struct{}

// SystemStatus is the retained online/offline status topic.
func (Topics) SystemStatus() string {
	return topicPrefix + "/system/status"
}

// RecordState is the retained per-instance state topic, published on
// every record change the coordinator observes.
func (Topics) RecordState(entityType, instanceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", topicPrefix, entityType, instanceID)
}

// RefreshCompleted is the event topic announcing a completed full poll.
func (Topics) RefreshCompleted() string {
	return topicPrefix + "/core/refresh"
}
