// Package events carries notifications from the synchronisation core to
// its consumers (MQTT bridge, WebSocket clients, recorder).
//
// Every event has a Kind, an optional device and a typed payload. The Bus
// fans events out to subscribers without ever blocking the publisher.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/transport/aacp"
)

// Kind identifies an event variant.
type Kind string

// Event kinds.
const (
	KindOpenWindow         Kind = "open_window"
	KindDeviceConnected    Kind = "device_connected"
	KindDeviceDisconnected Kind = "device_disconnected"
	KindAACPEvent          Kind = "aacp_event"
	KindATTNotification    Kind = "att_notification"
	KindNoOp               Kind = "noop"

	// KindStateChanged reports a field status transition in the store.
	KindStateChanged Kind = "state_changed"

	// KindCommandFailed reports a command that could not be delivered.
	KindCommandFailed Kind = "command_failed"
)

// AllKinds returns every kind.
func AllKinds() []Kind {
	return []Kind{
		KindOpenWindow, KindDeviceConnected, KindDeviceDisconnected,
		KindAACPEvent, KindATTNotification, KindNoOp,
		KindStateChanged, KindCommandFailed,
	}
}

// Event is one notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ConnectionPayload accompanies device_connected and device_disconnected.
type ConnectionPayload struct {
	Family device.Family `json:"family"`
	Reason string        `json:"reason,omitempty"`
}

// ATTPayload accompanies att_notification.
type ATTPayload struct {
	Handle uint16 `json:"handle"`
	Data   []byte `json:"data"`
}

// CommandFailedPayload accompanies command_failed.
type CommandFailedPayload struct {
	CommandID string       `json:"command_id"`
	Field     device.Field `json:"field"`
	Value     any          `json:"value,omitempty"`
	Reason    string       `json:"reason"`
	Error     string       `json:"error"`
	Attempts  int          `json:"attempts"`
}

func newEvent(kind Kind, deviceID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// OpenWindow asks a front-end to show itself.
func OpenWindow() Event { return newEvent(KindOpenWindow, "", nil) }

// NoOp is a keepalive with no meaning.
func NoOp() Event { return newEvent(KindNoOp, "", nil) }

// DeviceConnected reports a headset coming online.
func DeviceConnected(id string, family device.Family) Event {
	return newEvent(KindDeviceConnected, id, ConnectionPayload{Family: family})
}

// DeviceDisconnected reports a headset going away.
func DeviceDisconnected(id string, family device.Family, reason string) Event {
	return newEvent(KindDeviceDisconnected, id, ConnectionPayload{Family: family, Reason: reason})
}

// AACPEvent forwards an inbound AACP packet.
func AACPEvent(id string, ev aacp.Event) Event {
	return newEvent(KindAACPEvent, id, ev)
}

// ATTNotification forwards an inbound ATT notification.
func ATTNotification(id string, handle uint16, data []byte) Event {
	return newEvent(KindATTNotification, id, ATTPayload{Handle: handle, Data: data})
}

// StateChanged reports a store transition.
func StateChanged(t device.Transition) Event {
	return newEvent(KindStateChanged, t.DeviceID, t)
}

// CommandFailed reports an undeliverable command.
func CommandFailed(id string, p CommandFailedPayload) Event {
	return newEvent(KindCommandFailed, id, p)
}
