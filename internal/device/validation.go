package device

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxNameLength is the longest device name accepted for a rename, in
// bytes. The AACP rename packet carries the length in a single byte.
const MaxNameLength = 64

// NormaliseMAC converts a MAC address to upper case with colon separators.
// Dashes and underscores (as used in BlueZ object paths) are accepted.
//
// Example:
//
//	NormaliseMAC("aa-bb-cc-dd-ee-ff") // "AA:BB:CC:DD:EE:FF", nil
func NormaliseMAC(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", ":", "_", ":").Replace(s)
	s = strings.ToUpper(s)
	if err := ValidateMAC(s); err != nil {
		return "", err
	}
	return s, nil
}

// ValidateMAC checks s is exactly AA:BB:CC:DD:EE:FF in upper case.
func ValidateMAC(s string) error {
	if len(s) != 17 {
		return fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return fmt.Errorf("%w: %q", ErrInvalidMAC, s)
			}
			continue
		}
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return fmt.Errorf("%w: %q", ErrInvalidMAC, s)
		}
	}
	return nil
}

// ParseListeningMode converts a name to a ListeningMode. A few common
// aliases ("anc", "nc") are accepted.
func ParseListeningMode(s string) (ListeningMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return ListeningModeOff, nil
	case "noise_cancellation", "anc", "nc":
		return ListeningModeNoiseCancellation, nil
	case "transparency":
		return ListeningModeTransparency, nil
	case "adaptive":
		return ListeningModeAdaptive, nil
	default:
		return "", fmt.Errorf("%w: unknown listening mode %q", ErrInvalidValue, s)
	}
}

// ParseANCMode converts a name to an ANCMode.
func ParseANCMode(s string) (ANCMode, error) {
	want := ANCMode(strings.ToLower(strings.TrimSpace(s)))
	for _, m := range AllANCModes() {
		if m == want {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown ANC mode %q", ErrInvalidValue, s)
}

// ValidateName checks a device name is usable for a rename.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidValue)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidValue, MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidValue)
	}
	return nil
}

// NormaliseValue converts a loosely typed value, such as one decoded from
// JSON, into the Go type the field stores. Booleans may be given as bool
// or as a string strconv.ParseBool understands; modes as their names.
//
// Returns ErrInvalidField when the family has no such field and
// ErrInvalidValue when the value does not fit.
func NormaliseValue(f Family, field Field, value any) (any, error) {
	if !ValidFamily(f) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFamily, f)
	}
	if !SupportsField(f, field) {
		return nil, unsupportedFieldError(f, field)
	}

	switch field {
	case FieldDeviceName:
		name, ok := value.(string)
		if !ok {
			return nil, valueTypeError(field, value)
		}
		name = strings.TrimSpace(name)
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		return name, nil

	case FieldListeningMode:
		switch v := value.(type) {
		case ListeningMode:
			return ParseListeningMode(string(v))
		case string:
			return ParseListeningMode(v)
		default:
			return nil, valueTypeError(field, value)
		}

	case FieldANCMode:
		switch v := value.(type) {
		case ANCMode:
			return ParseANCMode(string(v))
		case string:
			return ParseANCMode(v)
		default:
			return nil, valueTypeError(field, value)
		}

	case FieldPersonalizedVolume, FieldConversationAwareness, FieldAllowOffMode:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: %s expects a boolean, got %q", ErrInvalidValue, field, v)
			}
			return b, nil
		default:
			return nil, valueTypeError(field, value)
		}
	}

	return nil, unsupportedFieldError(f, field)
}
