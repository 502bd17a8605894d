package engine

import (
	"context"
	"fmt"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

// CommandSink accepts validated patches for asynchronous delivery.
// *Engine implements it.
type CommandSink interface {
	SubmitCommand(ctx context.Context, deviceID string, patch fan.Patch) error
}

// Dispatcher is the validated command surface the API and MQTT layers
// call. It checks a command against the fan's advertised capabilities
// and value ranges, then hands the patch to the engine; nothing here
// touches the network. Methods return once the optimistic update is
// visible in the registry.
type Dispatcher struct {
	sink     CommandSink
	registry Registry
	logger   *logging.Logger
}

// NewDispatcher creates a command dispatcher.
//
// Parameters:
//   - sink: Receives validated patches, normally the *Engine
//   - registry: Capability lookups
//   - logger: Structured logger; the process default is used when nil
func NewDispatcher(sink CommandSink, registry Registry, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{sink: sink, registry: registry, logger: logger}
}

// SetPower turns a fan on or off.
func (d *Dispatcher) SetPower(ctx context.Context, deviceID string, on bool) error {
	return d.ApplyPatch(ctx, deviceID, fan.Patch{Power: &on})
}

// SetSpeed sets a fan's speed, 1 to 10.
func (d *Dispatcher) SetSpeed(ctx context.Context, deviceID string, speed int) error {
	return d.ApplyPatch(ctx, deviceID, fan.Patch{Speed: &speed})
}

// SetDirection sets the blade rotation direction.
func (d *Dispatcher) SetDirection(ctx context.Context, deviceID string, direction fan.Direction) error {
	return d.ApplyPatch(ctx, deviceID, fan.Patch{Direction: &direction})
}

// SetOscillation enables or disables oscillation.
func (d *Dispatcher) SetOscillation(ctx context.Context, deviceID string, oscillating bool) error {
	return d.ApplyPatch(ctx, deviceID, fan.Patch{Oscillation: &oscillating})
}

// ApplyPatch validates a multi-field patch and submits it as a single
// command.
//
// Parameters:
//   - ctx: Context passed through to the command sink
//   - deviceID: Registered fan
//   - patch: Fields to change; must set at least one
//
// Returns:
//   - error: fan.ErrNotFound for unknown fans, fan.ErrEmptyPatch,
//     ErrUnsupportedCapability or ErrValueRange on validation failure,
//     otherwise whatever the sink returns
func (d *Dispatcher) ApplyPatch(ctx context.Context, deviceID string, patch fan.Patch) error {
	snap, err := d.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if err := validatePatch(snap, patch); err != nil {
		d.logger.Debug("command rejected",
			"device_id", deviceID,
			"fields", patch.Fields(),
			"error", err)
		return err
	}
	return d.sink.SubmitCommand(ctx, deviceID, patch)
}

// validatePatch checks every set field against the fan's capability
// set and the value ranges the device accepts.
func validatePatch(snap fan.Snapshot, patch fan.Patch) error {
	if patch.IsZero() {
		return fan.ErrEmptyPatch
	}

	for _, check := range []struct {
		set        bool
		capability fan.Capability
	}{
		{patch.Power != nil, fan.CapPower},
		{patch.Speed != nil, fan.CapSpeed},
		{patch.Direction != nil, fan.CapDirection},
		{patch.Oscillation != nil, fan.CapOscillation},
	} {
		if check.set && !hasCapability(snap.Descriptor, check.capability) {
			return fmt.Errorf("%w: %s does not support %s",
				ErrUnsupportedCapability, snap.Descriptor.DeviceID, check.capability)
		}
	}

	if patch.Speed != nil && (*patch.Speed < fan.MinSpeed || *patch.Speed > fan.MaxSpeed) {
		return fmt.Errorf("%w: speed %d not in %d..%d",
			ErrValueRange, *patch.Speed, fan.MinSpeed, fan.MaxSpeed)
	}
	if patch.Direction != nil &&
		*patch.Direction != fan.DirectionForward && *patch.Direction != fan.DirectionReverse {
		return fmt.Errorf("%w: direction %q", ErrValueRange, *patch.Direction)
	}
	return nil
}

// hasCapability reports whether the descriptor advertises the
// capability.
func hasCapability(desc fan.Descriptor, c fan.Capability) bool {
	for _, have := range desc.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
