package bridge

import (
	"time"

	"github.com/nerrad567/budlink/internal/device"
)

// CommandMessage asks budlink to change a headset.
// Topic: budlink/command/{mac}
type CommandMessage struct {
	// ID correlates the command with its acknowledgements.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the headset MAC. When empty the topic's MAC is used.
	DeviceID string `json:"device_id"`

	// Command is the command name, e.g. "set_listening_mode" or "rename".
	Command string `json:"command"`

	// Parameters holds command-specific values.
	// Examples:
	//   {"mode": "transparency"} for set_listening_mode
	//   {"name": "Studio Buds"} for rename
	//   {"field": "anc_mode", "value": "high"} for set
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("mqtt", "api", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus is the acknowledgement state of a command.
type AckStatus string

const (
	// AckAccepted means the command was validated and queued for the headset.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be queued or delivered.
	AckFailed AckStatus = "failed"

	// AckTimeout means the headset did not take the write in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: budlink/ack/{mac}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`

	// DispatchID is the internal command identifier recorded in history.
	DispatchID string `json:"dispatch_id,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError describes a failure.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retries int    `json:"retries,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeRejected          = "REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBusy              = "BUSY"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is the retained view of one headset.
// Topic: budlink/state/{mac}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID      string                             `json:"device_id"`
	Timestamp     time.Time                          `json:"timestamp"`
	Family        device.Family                      `json:"family,omitempty"`
	Connected     bool                               `json:"connected"`
	Configuration device.Configuration               `json:"configuration,omitempty"`
	Fields        map[device.Field]device.FieldState `json:"fields,omitempty"`
	Information   device.Information                 `json:"information,omitempty"`
}

// HealthStatus is the operational status of the daemon.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports daemon health.
// Topic: budlink/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Daemon           string       `json:"daemon"`
	Timestamp        time.Time    `json:"timestamp"`
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	DevicesManaged   int          `json:"devices_managed"`
	DevicesConnected int          `json:"devices_connected"`
	Statistics       *Statistics  `json:"statistics,omitempty"`
	Reason           string       `json:"reason,omitempty"`
}

// Statistics holds bridge counters.
type Statistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	EventsPublished  uint64 `json:"events_published"`
	Errors           uint64 `json:"errors"`
}

// NewAckMessage builds an acknowledgement for cmd.
func NewAckMessage(cmd CommandMessage, deviceID string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Status:    status,
	}
}

// NewAckError builds a failed acknowledgement.
func NewAckError(cmd CommandMessage, deviceID string, status AckStatus, code, message string, retries int) AckMessage {
	ack := NewAckMessage(cmd, deviceID, status)
	ack.Error = &AckError{Code: code, Message: message, Retries: retries}
	return ack
}
