package att

import "fmt"

// Handle is an attribute handle on the headset.
type Handle uint16

// Writable and notifying handles.
const (
	HandleAirPodsTransparency       Handle = 0x18
	HandleAirPodsLoudSoundReduction Handle = 0x1B
	HandleAirPodsHearingAid         Handle = 0x2A
	HandleNothingEverything         Handle = 0x8002
	HandleNothingEverythingRead     Handle = 0x8005
)

var handleNames = map[Handle]string{
	HandleAirPodsTransparency:       "AirPodsTransparency",
	HandleAirPodsLoudSoundReduction: "AirPodsLoudSoundReduction",
	HandleAirPodsHearingAid:         "AirPodsHearingAid",
	HandleNothingEverything:         "NothingEverything",
	HandleNothingEverythingRead:     "NothingEverythingRead",
}

// String returns the handle name, or its hex value when unknown.
func (h Handle) String() string {
	if name, ok := handleNames[h]; ok {
		return name
	}
	return fmt.Sprintf("Handle(0x%04X)", uint16(h))
}

// CCCD returns the client characteristic configuration descriptor that
// follows a value handle.
func (h Handle) CCCD() Handle {
	return h + 1
}
