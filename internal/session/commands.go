package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/transport/aacp"
	"github.com/nerrad567/budlink/internal/transport/att"
)

// Command names accepted by Execute.
const (
	CommandSet                      = "set"
	CommandRename                   = "rename"
	CommandSetListeningMode         = "set_listening_mode"
	CommandSetANCMode               = "set_anc_mode"
	CommandSetPersonalizedVolume    = "set_personalized_volume"
	CommandSetConversationAwareness = "set_conversation_awareness"
	CommandSetAllowOffMode          = "set_allow_off_mode"
	CommandControl                  = "control"
	CommandWrite                    = "write"
)

// Errors returned by Execute before a command reaches the store.
var (
	ErrUnknownCommand    = errors.New("session: unknown command")
	ErrInvalidParameters = errors.New("session: invalid parameters")
)

var toggleCommands = map[string]device.Field{
	CommandSetPersonalizedVolume:    device.FieldPersonalizedVolume,
	CommandSetConversationAwareness: device.FieldConversationAwareness,
	CommandSetAllowOffMode:          device.FieldAllowOffMode,
}

// Execute runs a named command with loosely typed parameters, as received
// over MQTT or HTTP.
//
// Parameters:
//   - ctx: Request context
//   - deviceID: Headset MAC
//   - command: One of the Command* names
//   - params: Command parameters decoded from JSON
//
// Returns:
//   - *Submission: The queued command
//   - error: ErrUnknownCommand, ErrInvalidParameters, or any error from
//     Apply, SendControlCommand or WriteHandle
func (m *Manager) Execute(ctx context.Context, deviceID, command string, params map[string]any) (*Submission, error) {
	switch command {
	case CommandSet:
		field, err := stringParam(params, "field")
		if err != nil {
			return nil, err
		}
		value, ok := params["value"]
		if !ok {
			return nil, fmt.Errorf("%w: missing value", ErrInvalidParameters)
		}
		return m.Apply(ctx, deviceID, device.Field(field), value)

	case CommandRename:
		name, err := stringParam(params, "name")
		if err != nil {
			return nil, err
		}
		return m.Apply(ctx, deviceID, device.FieldDeviceName, name)

	case CommandSetListeningMode:
		mode, err := stringParam(params, "mode")
		if err != nil {
			return nil, err
		}
		return m.Apply(ctx, deviceID, device.FieldListeningMode, mode)

	case CommandSetANCMode:
		mode, err := stringParam(params, "mode")
		if err != nil {
			return nil, err
		}
		return m.Apply(ctx, deviceID, device.FieldANCMode, mode)

	case CommandControl:
		id, err := uintParam(params, "identifier", 0xFF)
		if err != nil {
			return nil, err
		}
		value, err := hexParam(params, "value")
		if err != nil {
			return nil, err
		}
		return m.SendControlCommand(ctx, deviceID, aacp.ControlID(id), value)

	case CommandWrite:
		h, err := uintParam(params, "handle", 0xFFFF)
		if err != nil {
			return nil, err
		}
		data, err := hexParam(params, "data")
		if err != nil {
			return nil, err
		}
		if len(data) != att.FrameSize {
			return nil, fmt.Errorf("%w: data must be %d bytes, got %d", ErrInvalidParameters, att.FrameSize, len(data))
		}
		var frame [att.FrameSize]byte
		copy(frame[:], data)
		return m.WriteHandle(ctx, deviceID, att.Handle(h), frame)
	}

	if field, ok := toggleCommands[command]; ok {
		enabled, ok := params["enabled"]
		if !ok {
			return nil, fmt.Errorf("%w: missing enabled", ErrInvalidParameters)
		}
		return m.Apply(ctx, deviceID, field, enabled)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidParameters, key)
	}
	return v, nil
}

// uintParam reads a JSON number or a "0x.." string.
func uintParam(params map[string]any, key string, max uint64) (uint64, error) {
	var n uint64
	switch v := params[key].(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidParameters, key)
		}
		n = uint64(v)
	case string:
		if _, err := fmt.Sscanf(strings.ToLower(v), "0x%x", &n); err != nil {
			return 0, fmt.Errorf("%w: %s %q is not hex", ErrInvalidParameters, key, v)
		}
	default:
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidParameters, key)
	}
	if n > max {
		return 0, fmt.Errorf("%w: %s 0x%X out of range", ErrInvalidParameters, key, n)
	}
	return n, nil
}

func hexParam(params map[string]any, key string) ([]byte, error) {
	s, ok := params[key].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a hex string", ErrInvalidParameters, key)
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidParameters, key, err)
	}
	return b, nil
}

