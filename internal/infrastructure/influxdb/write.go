package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteRecordMetric writes one numeric canonical field value for an
// instance. The write is non-blocking; data is batched and sent
// asynchronously.
//
// Example:
//
//	client.WriteRecordMetric("light", "light-hall", "brightness", 75)
func (c *Client) WriteRecordMetric(entityType, instanceID, field string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"record_metrics",
		map[string]string{
			"entity_type": entityType,
			"instance_id": instanceID,
			"field":       field,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEnergyMetric writes one meter reading into the energy measurement
// the daily correlation query reads back.
//
// Parameters:
//   - instanceID: Meter instance id
//   - powerWatts: Current total power draw in watts
//   - energyKWh: Cumulative energy counter in kWh (0 if unknown)
func (c *Client) WriteEnergyMetric(instanceID string, powerWatts, energyKWh float64) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"power_watts": powerWatts,
	}
	if energyKWh > 0 {
		fields["energy_kwh"] = energyKWh
	}

	point := write.NewPoint(
		"energy",
		map[string]string{
			"instance_id": instanceID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and
// fields, for measurements the helpers don't cover.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
