package codec

import (
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/transport/aacp"
	"github.com/nerrad567/budlink/internal/transport/att"
)

// Toggle wire values. Disabled is 0x02, not zero.
const (
	ToggleEnabled  byte = 0x01
	ToggleDisabled byte = 0x02
)

var listeningModeBytes = map[device.ListeningMode]byte{
	device.ListeningModeOff:               aacp.ListeningModeOff,
	device.ListeningModeNoiseCancellation: aacp.ListeningModeNoiseCancellation,
	device.ListeningModeTransparency:      aacp.ListeningModeTransparency,
	device.ListeningModeAdaptive:          aacp.ListeningModeAdaptive,
}

var ancModeBytes = map[device.ANCMode]byte{
	device.ANCModeHigh:         att.ANCHigh,
	device.ANCModeMid:          att.ANCMid,
	device.ANCModeLow:          att.ANCLow,
	device.ANCModeAdaptive:     att.ANCAdaptive,
	device.ANCModeOff:          att.ANCOff,
	device.ANCModeTransparency: att.ANCTransparency,
}

// toggleControls maps boolean AirPods fields to their control identifier.
var toggleControls = map[device.Field]aacp.ControlID{
	device.FieldPersonalizedVolume:    aacp.ControlAdaptiveVolumeConfig,
	device.FieldConversationAwareness: aacp.ControlConversationDetectConfig,
	device.FieldAllowOffMode:          aacp.ControlAllowOffOption,
}

var (
	listeningModesByByte = invert(listeningModeBytes)
	ancModesByByte       = invert(ancModeBytes)
	togglesByControl     = invert(toggleControls)
)

func invert[K comparable, V comparable](m map[K]V) map[V]K {
	out := make(map[V]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// EncodeToggle returns the wire byte for a boolean setting.
func EncodeToggle(enabled bool) byte {
	if enabled {
		return ToggleEnabled
	}
	return ToggleDisabled
}

// DecodeToggle parses a boolean setting byte. ok is false for anything
// other than the two toggle values.
func DecodeToggle(b byte) (enabled bool, ok bool) {
	switch b {
	case ToggleEnabled:
		return true, true
	case ToggleDisabled:
		return false, true
	default:
		return false, false
	}
}

// EncodeListeningMode returns the wire byte for m.
func EncodeListeningMode(m device.ListeningMode) (byte, error) {
	b, ok := listeningModeBytes[m]
	if !ok {
		return 0, &EncodingError{Family: device.FamilyAirPods, Field: device.FieldListeningMode, Value: m, Reason: "no wire value"}
	}
	return b, nil
}

// DecodeListeningMode maps a wire byte back to a listening mode.
func DecodeListeningMode(b byte) (device.ListeningMode, bool) {
	m, ok := listeningModesByByte[b]
	return m, ok
}

// EncodeANCMode returns the 13-byte frame that selects m.
func EncodeANCMode(m device.ANCMode) ([att.FrameSize]byte, error) {
	b, ok := ancModeBytes[m]
	if !ok {
		return [att.FrameSize]byte{}, &EncodingError{Family: device.FamilyNothing, Field: device.FieldANCMode, Value: m, Reason: "no wire value"}
	}
	return att.EncodeFrame(b), nil
}

// DecodeANCMode maps a wire byte back to an ANC mode.
func DecodeANCMode(b byte) (device.ANCMode, bool) {
	m, ok := ancModesByByte[b]
	return m, ok
}
