package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Maximum payload size for MQTT messages (1MB).
// Prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20

// Publish sends a message to the specified MQTT topic.
//
// Retained messages are stored by the broker per topic; new subscribers
// immediately receive the last one. Use retained for state topics, never
// for events.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishRecordState publishes one instance's canonical field snapshot to
// its retained state topic with the configured default QoS.
func (c *Client) PublishRecordState(entityType, instanceID string, fields map[string]any, updatedAt time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"entity_type": entityType,
		"instance_id": instanceID,
		"fields":      fields,
		"updated_at":  updatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("%w: encode state: %w", ErrPublishFailed, err)
	}

	return c.Publish(Topics{}.RecordState(entityType, instanceID), payload, byte(c.cfg.QoS), true)
}

// PublishRefreshCompleted announces a completed full poll. Not retained:
// it is an event, not state.
func (c *Client) PublishRefreshCompleted() error {
	payload := fmt.Sprintf(`{"event":"refresh_completed","timestamp":"%s"}`,
		time.Now().UTC().Format(time.RFC3339))
	return c.Publish(Topics{}.RefreshCompleted(), []byte(payload), byte(c.cfg.QoS), false)
}
