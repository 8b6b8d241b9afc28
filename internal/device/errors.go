package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package. Check with errors.Is.
var (
	// ErrDeviceNotFound is returned when no record exists for an identifier.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrFamilyMismatch is returned when a known identifier is registered
	// again under a different family.
	ErrFamilyMismatch = errors.New("device: family mismatch")

	// ErrInvalidFamily is returned for an unknown family.
	ErrInvalidFamily = errors.New("device: invalid family")

	// ErrInvalidField is returned when a field does not exist for the family.
	ErrInvalidField = errors.New("device: invalid field")

	// ErrInvalidValue is returned when a value cannot be used for a field.
	ErrInvalidValue = errors.New("device: invalid value")

	// ErrInvalidMAC is returned when an identifier is not a MAC address.
	ErrInvalidMAC = errors.New("device: invalid MAC address")
)

func unsupportedFieldError(f Family, field Field) error {
	return fmt.Errorf("%w: %q is not a %s field", ErrInvalidField, field, f)
}

func valueTypeError(field Field, value any) error {
	return fmt.Errorf("%w: %s does not accept %T", ErrInvalidValue, field, value)
}
