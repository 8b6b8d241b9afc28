// Package influxdb records budlink telemetry in InfluxDB v2.
//
// Two measurements are written:
//   - command_outcome: one point per dispatched command, tagged with the
//     device, family, command kind and outcome, carrying latency and attempts
//   - field_transition: one point per field status change (pending,
//     confirmed, unconfirmed), tagged with the device, field and source
//
// The integration is optional. Connect returns ErrDisabled when
// influxdb.enabled is false and callers carry on without telemetry.
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Async write failures reach the SetOnError callback.
package influxdb
