package fan

import "errors"

// Domain errors for the fan package.
//
// Check with errors.Is():
//
//	if errors.Is(err, fan.ErrNotFound) {
//	    // fan is not registered
//	}
var (
	// ErrNotFound is returned when a device ID is not in the registry.
	ErrNotFound = errors.New("fan: not found")

	// ErrInvalidDescriptor is returned when descriptor validation fails.
	ErrInvalidDescriptor = errors.New("fan: invalid descriptor")

	// ErrInvalidPatch is returned when a patch fails validation.
	ErrInvalidPatch = errors.New("fan: invalid patch")

	// ErrInvalidSpeed is returned when a speed is outside 1..10.
	ErrInvalidSpeed = errors.New("fan: invalid speed")

	// ErrInvalidDirection is returned when a direction value is not recognised.
	ErrInvalidDirection = errors.New("fan: invalid direction")

	// ErrEmptyPatch is returned when a patch sets no fields.
	ErrEmptyPatch = errors.New("fan: empty patch")
)
