package transport

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Operation names with special meaning on the wire.
const (
	// opSessionReady is the server's initial handshake message, emitted
	// as the first frame after the socket opens.
	opSessionReady = "SessionReady"

	// opValuesChanged carries a push batch of property deltas.
	opValuesChanged = "ValuesChanged"

	// opRegisterValues registers push subscriptions for composite keys.
	opRegisterValues = "RegisterValues"

	// opUnregisterValues removes push subscriptions.
	opUnregisterValues = "UnregisterValues"

	// opKeepAlive is keepalive traffic in either direction.
	opKeepAlive = "KeepAlive"

	// opSetClientInfo announces client identity to the server.
	opSetClientInfo = "SetClientInfo"
)

// notifyOperations are fire-and-forget calls: the server sends no response
// envelope for them, so Call sends and resolves immediately without
// registering a pending request. This is a fixed allowlist — response-less
// operations are never inferred from the absence of a response.
var notifyOperations = map[string]bool{
	opKeepAlive:     true,
	opSetClientInfo: true,
}

// envelope is the channel-agnostic wire message.
//
// Requests carry operationName, sequenceId and args. Responses carry
// sequenceId, operationName and result. Push batches carry operationName
// "ValuesChanged" and a table of composite-key deltas.
type envelope struct {
	OperationName string               `json:"operationName"`
	SequenceID    int64                `json:"sequenceId,omitempty"`
	Args          []any                `json:"args,omitempty"`
	Result        json.RawMessage      `json:"result,omitempty"`
	Table         map[string]wireValue `json:"table,omitempty"`
}

// wireValue is one push delta entry.
type wireValue struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"` // seconds since epoch
	Reason    string  `json:"reason"`
}

// PropertyValue is one decoded push delta handed to subscription callbacks.
type PropertyValue struct {
	// Value is the new property value as decoded from JSON.
	Value any

	// Timestamp is the server-side emission time.
	Timestamp time.Time

	// Reason is the controller's change-origin tag (e.g., "user", "logic").
	Reason string
}

// propertyValue converts a wire delta to its decoded form.
func (w wireValue) propertyValue() PropertyValue {
	sec, frac := math.Modf(w.Timestamp)
	return PropertyValue{
		Value:     w.Value,
		Timestamp: time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(),
		Reason:    w.Reason,
	}
}

// splitCompositeKey splits a push-batch key of the form
// "<instanceId>.<propertyName>" on the LAST dot, so instance ids may
// themselves contain dots. A key without any dot is malformed: the true
// server behaviour for that shape is undocumented, so the dispatcher logs
// and skips it rather than guessing an alternate parse.
func splitCompositeKey(key string) (instanceID, property string, ok bool) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return key, "", false
	}
	return key[:i], key[i+1:], true
}
