package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCommandOutcome  = "command_outcome"
	MeasurementFieldTransition = "field_transition"
)

// CommandOutcome describes one finished command for telemetry.
type CommandOutcome struct {
	DeviceID string
	Family   string
	Command  string // field the command changed, e.g. "listening_mode"
	Outcome  string // "ok" or a transport failure reason
	Attempts int
	Latency  time.Duration
	At       time.Time
}

// WriteCommandOutcome records how a dispatched command ended.
// Non-blocking; the point is batched.
func (c *Client) WriteCommandOutcome(o CommandOutcome) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandOutcomePoint(o))
}

// WriteFieldTransition records a field moving to a new status.
//
// Parameters:
//   - deviceID: Device MAC
//   - field: Configuration field name
//   - status: pending, confirmed or unconfirmed
//   - source: What caused the change ("command", "notification", "timeout")
func (c *Client) WriteFieldTransition(deviceID, field, status, source string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(fieldTransitionPoint(deviceID, field, status, source, at))
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func commandOutcomePoint(o CommandOutcome) *write.Point {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementCommandOutcome,
		map[string]string{
			"device_id": o.DeviceID,
			"family":    o.Family,
			"command":   o.Command,
			"outcome":   o.Outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(o.Latency) / float64(time.Millisecond),
			"attempts":   o.Attempts,
		},
		at,
	)
}

func fieldTransitionPoint(deviceID, field, status, source string, at time.Time) *write.Point {
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementFieldTransition,
		map[string]string{
			"device_id": deviceID,
			"field":     field,
			"status":    status,
			"source":    source,
		},
		map[string]interface{}{
			"count": 1,
		},
		at,
	)
}
