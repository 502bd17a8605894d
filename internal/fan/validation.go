package fan

import "fmt"

// Validation limits. The cloud imposes no documented bounds on names,
// so these exist to keep hostile API payloads out of the registry.
const (
	maxNameLength     = 100
	maxDeviceIDLength = 128
)

// ValidateDescriptor checks a descriptor before registration.
//
// Parameters:
//   - d: Descriptor to validate
//
// Returns:
//   - error: ErrInvalidDescriptor (wrapped with detail) or nil
func ValidateDescriptor(d Descriptor) error {
	if d.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidDescriptor)
	}
	if len(d.DeviceID) > maxDeviceIDLength {
		return fmt.Errorf("%w: device id exceeds %d characters", ErrInvalidDescriptor, maxDeviceIDLength)
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDescriptor, maxNameLength)
	}
	for _, c := range d.Capabilities {
		if !validCapability(c) {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidDescriptor, c)
		}
	}
	return nil
}

// ValidatePatch checks a command patch before it is accepted.
//
// A patch must set at least one field, speeds must be within 1..10,
// and directions must be forward or reverse.
//
// Parameters:
//   - p: Patch to validate
//
// Returns:
//   - error: ErrEmptyPatch, ErrInvalidSpeed, ErrInvalidDirection, or nil
func ValidatePatch(p Patch) error {
	if p.IsZero() {
		return ErrEmptyPatch
	}
	if p.Speed != nil {
		if err := ValidateSpeed(*p.Speed); err != nil {
			return err
		}
	}
	if p.Direction != nil && !validDirection(*p.Direction) {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, *p.Direction)
	}
	return nil
}

// ValidateSpeed checks a speed value against the device's range.
func ValidateSpeed(speed int) error {
	if speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("%w: %d not in %d..%d", ErrInvalidSpeed, speed, MinSpeed, MaxSpeed)
	}
	return nil
}

// ClampSpeed forces a speed into the valid range. Used when powering on
// a fan whose speed has never been observed.
func ClampSpeed(speed int) int {
	if speed < MinSpeed {
		return MinSpeed
	}
	if speed > MaxSpeed {
		return MaxSpeed
	}
	return speed
}

func validDirection(d Direction) bool {
	return d == DirectionForward || d == DirectionReverse
}

func validCapability(c Capability) bool {
	switch c {
	case CapPower, CapSpeed, CapDirection, CapOscillation:
		return true
	default:
		return false
	}
}
