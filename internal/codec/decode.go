package codec

import (
	"fmt"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/transport/aacp"
	"github.com/nerrad567/budlink/internal/transport/att"
)

// RawEvent is an inbound event as delivered by a family transport.
// Exactly one member is set.
type RawEvent struct {
	AACP *aacp.Event
	ATT  *att.Notification
}

// Decode maps a raw event to the field value it reports.
//
// Returns:
//   - *device.StateUpdate: nil when the event carries nothing budlink models
//   - error: *ProtocolError when a modelled event is malformed
func Decode(deviceID string, family device.Family, raw RawEvent) (*device.StateUpdate, error) {
	switch {
	case raw.AACP != nil:
		return decodeAACP(deviceID, raw.AACP)
	case raw.ATT != nil:
		if family != device.FamilyNothing {
			return nil, nil
		}
		return decodeATT(deviceID, raw.ATT)
	default:
		return nil, nil
	}
}

func decodeAACP(deviceID string, ev *aacp.Event) (*device.StateUpdate, error) {
	switch {
	case ev.Control != nil:
		return decodeControl(deviceID, ev)
	case ev.Information != nil:
		if ev.Information.Name == "" {
			return nil, nil
		}
		return &device.StateUpdate{DeviceID: deviceID, Field: device.FieldDeviceName, Value: ev.Information.Name}, nil
	default:
		return nil, nil
	}
}

func decodeControl(deviceID string, ev *aacp.Event) (*device.StateUpdate, error) {
	ctl := ev.Control
	v := ctl.Value[0]
	protoErr := func(reason string) error {
		return &ProtocolError{
			DeviceID: deviceID,
			Source:   fmt.Sprintf("aacp control %s", ctl.ID),
			Payload:  ev.Payload,
			Reason:   reason,
		}
	}

	if ctl.ID == aacp.ControlListeningMode {
		mode, ok := DecodeListeningMode(v)
		if !ok {
			return nil, protoErr(fmt.Sprintf("unknown listening mode 0x%02X", v))
		}
		return &device.StateUpdate{DeviceID: deviceID, Field: device.FieldListeningMode, Value: mode}, nil
	}

	field, ok := togglesByControl[ctl.ID]
	if !ok {
		return nil, nil
	}
	enabled, ok := DecodeToggle(v)
	if !ok {
		return nil, protoErr(fmt.Sprintf("invalid toggle value 0x%02X", v))
	}
	return &device.StateUpdate{DeviceID: deviceID, Field: field, Value: enabled}, nil
}

func decodeATT(deviceID string, n *att.Notification) (*device.StateUpdate, error) {
	if n.Handle != att.HandleNothingEverything {
		return nil, nil
	}
	protoErr := func(reason string) error {
		return &ProtocolError{
			DeviceID: deviceID,
			Source:   fmt.Sprintf("att notification %s", n.Handle),
			Payload:  n.Value,
			Reason:   reason,
		}
	}

	b, ok := att.DecodeFrameValue(n.Handle, n.Value)
	if !ok {
		return nil, protoErr("frame too short or bad magic")
	}
	mode, ok := DecodeANCMode(b)
	if !ok {
		return nil, protoErr(fmt.Sprintf("unknown ANC mode 0x%02X", b))
	}
	return &device.StateUpdate{DeviceID: deviceID, Field: device.FieldANCMode, Value: mode}, nil
}

// DecodeInformation converts an AACP information event into device
// information. It returns nil for any other event.
func DecodeInformation(raw RawEvent) device.Information {
	if raw.AACP == nil || raw.AACP.Information == nil {
		return nil
	}
	in := raw.AACP.Information
	return device.AirPodsInformation{
		Name:              in.Name,
		ModelNumber:       in.ModelNumber,
		Manufacturer:      in.Manufacturer,
		SerialNumber:      in.SerialNumber,
		LeftSerialNumber:  in.LeftSerialNumber,
		RightSerialNumber: in.RightSerialNumber,
		Version1:          in.Version1,
		Version2:          in.Version2,
		Version3:          in.Version3,
	}
}
