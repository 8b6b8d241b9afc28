package codec

import (
	"fmt"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/transport/aacp"
	"github.com/nerrad567/budlink/internal/transport/att"
)

// Command is one encoded write, ready for a family transport.
//
// For FamilyAirPods Packet holds the complete AACP packet. For
// FamilyNothing Handle and Frame describe the ATT write.
type Command struct {
	Family device.Family
	Change device.Change

	// Label names the wire operation for logs and metrics, e.g.
	// "ListeningMode", "Rename" or "NothingEverything".
	Label string

	Packet []byte
	Handle att.Handle
	Frame  [att.FrameSize]byte
}

// Encode turns a normalised change into wire bytes. It is pure and never
// panics; a change with no table entry returns an *EncodingError.
//
// Parameters:
//   - family: Family of the target headset
//   - change: Field and value, already passed through device.NormaliseValue
//
// Returns:
//   - Command: Encoded write
//   - error: *EncodingError
func Encode(family device.Family, change device.Change) (Command, error) {
	cmd := Command{Family: family, Change: change}
	fail := func(reason string) (Command, error) {
		return Command{}, &EncodingError{Family: family, Field: change.Field, Value: change.Value, Reason: reason}
	}

	switch family {
	case device.FamilyAirPods:
		switch change.Field {
		case device.FieldDeviceName:
			name, ok := change.Value.(string)
			if !ok {
				return fail(fmt.Sprintf("expected string, got %T", change.Value))
			}
			if err := device.ValidateName(name); err != nil {
				return fail(err.Error())
			}
			pkt, err := aacp.EncodeRename(name)
			if err != nil {
				return fail(err.Error())
			}
			cmd.Label = "Rename"
			cmd.Packet = pkt
			return cmd, nil

		case device.FieldListeningMode:
			mode, ok := change.Value.(device.ListeningMode)
			if !ok {
				return fail(fmt.Sprintf("expected listening mode, got %T", change.Value))
			}
			b, err := EncodeListeningMode(mode)
			if err != nil {
				return Command{}, err
			}
			return withControl(cmd, aacp.ControlListeningMode, b)

		default:
			id, ok := toggleControls[change.Field]
			if !ok {
				return fail("no control identifier")
			}
			enabled, ok := change.Value.(bool)
			if !ok {
				return fail(fmt.Sprintf("expected bool, got %T", change.Value))
			}
			return withControl(cmd, id, EncodeToggle(enabled))
		}

	case device.FamilyNothing:
		if change.Field != device.FieldANCMode {
			return fail("no characteristic for field")
		}
		mode, ok := change.Value.(device.ANCMode)
		if !ok {
			return fail(fmt.Sprintf("expected ANC mode, got %T", change.Value))
		}
		frame, err := EncodeANCMode(mode)
		if err != nil {
			return Command{}, err
		}
		cmd.Label = att.HandleNothingEverything.String()
		cmd.Handle = att.HandleNothingEverything
		cmd.Frame = frame
		return cmd, nil

	default:
		return fail("unknown family")
	}
}

func withControl(cmd Command, id aacp.ControlID, value byte) (Command, error) {
	pkt, err := aacp.EncodeControlCommand(id, []byte{value})
	if err != nil {
		return Command{}, &EncodingError{Family: cmd.Family, Field: cmd.Change.Field, Value: cmd.Change.Value, Reason: err.Error()}
	}
	cmd.Label = id.String()
	cmd.Packet = pkt
	return cmd, nil
}
