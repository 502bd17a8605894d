package engine

import "errors"

// Domain errors for the engine package.
//
// Check with errors.Is():
//
//	if errors.Is(err, engine.ErrUnsupportedCapability) {
//	    // the fan cannot do what the command asks
//	}
var (
	// ErrStopped is returned when a command or poll is requested after
	// Stop has begun.
	ErrStopped = errors.New("engine: stopped")

	// ErrUnsupportedCapability is returned when a command targets a
	// capability the fan's descriptor does not advertise.
	ErrUnsupportedCapability = errors.New("engine: unsupported capability")

	// ErrValueRange is returned when a command value is outside the
	// range the device accepts.
	ErrValueRange = errors.New("engine: value out of range")
)
