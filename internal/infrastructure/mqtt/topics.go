package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every budlink topic.
//
// Layout:
//
//	budlink/command/{mac}   inbound commands for one headset
//	budlink/ack/{mac}       command acknowledgements
//	budlink/state/{mac}     retained per-device state
//	budlink/event/{kind}    connect, disconnect, state_changed, command_failed
//	budlink/health          retained daemon health
//	budlink/system/status   retained online/offline, also the LWT
const TopicPrefix = "budlink"

// Topics provides builders for budlink MQTT topics.
type Topics struct{}

// DeviceCommand returns the command topic for a device.
//
// Example: budlink/command/AA:BB:CC:DD:EE:FF
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// DeviceAck returns the acknowledgement topic for a device.
func (Topics) DeviceAck(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceID)
}

// DeviceState returns the retained state topic for a device.
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// Event returns the topic for an event kind.
//
// Example: budlink/event/state_changed
func (Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, kind)
}

// Health returns the daemon health topic.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus returns the online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllDeviceCommands matches commands for every device.
//
// Pattern: budlink/command/+
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/command/+"
}

// AllEvents matches every event kind.
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+"
}

// DeviceFromTopic extracts the device segment from a per-device topic such
// as budlink/command/{mac}. It returns "" when topic does not have that shape.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return ""
	}
	return parts[2]
}
