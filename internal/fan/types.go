package fan

import "time"

// Speed bounds for Panasonic ceiling fans. The device encodes speed as a
// single hex digit, 1 through A.
const (
	MinSpeed = 1
	MaxSpeed = 10
)

// Direction is the blade rotation direction.
type Direction string

// Direction constants.
const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// Capability describes one controllable aspect of a fan.
type Capability string

// Capability constants. Current models expose all four.
const (
	CapPower       Capability = "power"
	CapSpeed       Capability = "speed"
	CapDirection   Capability = "direction"
	CapOscillation Capability = "oscillation"
)

// AllCapabilities returns every capability current models support.
func AllCapabilities() []Capability {
	return []Capability{CapPower, CapSpeed, CapDirection, CapOscillation}
}

// Health represents the bridge's confidence in a fan's reported state.
type Health string

// Health constants.
const (
	// HealthUnknown means the fan is registered but no state has been
	// fetched yet.
	HealthUnknown Health = "unknown"

	// HealthOnline means the last poll or write acknowledgement succeeded.
	HealthOnline Health = "online"

	// HealthDegraded means a write could not be confirmed after retries;
	// the local state may not match the device until the next successful
	// poll clears it.
	HealthDegraded Health = "degraded"

	// HealthOffline means the last state fetch for this fan failed.
	HealthOffline Health = "offline"
)

// Descriptor identifies a fan and what it can do.
//
// DeviceID is the cloud's appliance identifier and is unique per
// account. The remaining fields are informational.
type Descriptor struct {
	DeviceID     string       `json:"device_id"`
	Name         string       `json:"name"`
	Model        string       `json:"model,omitempty"`
	SerialNumber string       `json:"serial_number,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// Copy returns an independent copy of the descriptor.
// The capabilities slice is cloned so callers can't mutate the original.
func (d Descriptor) Copy() Descriptor {
	cpy := d
	if d.Capabilities != nil {
		cpy.Capabilities = make([]Capability, len(d.Capabilities))
		copy(cpy.Capabilities, d.Capabilities)
	}
	return cpy
}

// State is a full snapshot of a fan's controllable surface.
//
// Revision is the cloud timestamp of the query result this state came
// from (completed_at on the control record). It orders states: a state
// with an older revision must never replace a newer confirmed one.
// Optimistic states overlaid by the bridge keep the revision of the
// confirmed state they were derived from.
type State struct {
	Power       bool      `json:"power"`
	Speed       int       `json:"speed"`
	Direction   Direction `json:"direction"`
	Oscillation bool      `json:"oscillation"`
	Revision    time.Time `json:"revision,omitempty"`
}

// Equal reports whether two states agree on every controllable field.
// Revision is metadata, not state, and is ignored.
func (s State) Equal(other State) bool {
	return s.Power == other.Power &&
		s.Speed == other.Speed &&
		s.Direction == other.Direction &&
		s.Oscillation == other.Oscillation
}

// IsZero reports whether the state has never been populated.
func (s State) IsZero() bool {
	return !s.Power && s.Speed == 0 && s.Direction == "" && !s.Oscillation && s.Revision.IsZero()
}

// Patch is a partial state change. Nil fields are left untouched.
//
// Patches are what commands carry: "set speed 7" is a patch with only
// Speed set. Merging a later patch into an earlier one lets a burst of
// commands collapse into a single write.
type Patch struct {
	Power       *bool      `json:"power,omitempty"`
	Speed       *int       `json:"speed,omitempty"`
	Direction   *Direction `json:"direction,omitempty"`
	Oscillation *bool      `json:"oscillation,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Power == nil && p.Speed == nil && p.Direction == nil && p.Oscillation == nil
}

// ApplyTo returns base with the patch's fields overlaid.
// The result keeps base's revision; overlaying local intent on a cloud
// state does not make it newer.
func (p Patch) ApplyTo(base State) State {
	result := base
	if p.Power != nil {
		result.Power = *p.Power
	}
	if p.Speed != nil {
		result.Speed = *p.Speed
	}
	if p.Direction != nil {
		result.Direction = *p.Direction
	}
	if p.Oscillation != nil {
		result.Oscillation = *p.Oscillation
	}
	return result
}

// Merge returns a patch combining p with later. Fields set in later win;
// fields only in p survive. Neither operand is modified.
func (p Patch) Merge(later Patch) Patch {
	merged := p
	if later.Power != nil {
		merged.Power = later.Power
	}
	if later.Speed != nil {
		merged.Speed = later.Speed
	}
	if later.Direction != nil {
		merged.Direction = later.Direction
	}
	if later.Oscillation != nil {
		merged.Oscillation = later.Oscillation
	}
	return merged
}

// SatisfiedBy reports whether the state already reflects every field the
// patch sets. Used during reconciliation to decide whether a pending
// write has landed.
func (p Patch) SatisfiedBy(s State) bool {
	if p.Power != nil && s.Power != *p.Power {
		return false
	}
	if p.Speed != nil && s.Speed != *p.Speed {
		return false
	}
	if p.Direction != nil && s.Direction != *p.Direction {
		return false
	}
	if p.Oscillation != nil && s.Oscillation != *p.Oscillation {
		return false
	}
	return true
}

// Fields lists the names of the fields the patch sets, for logging.
func (p Patch) Fields() []string {
	var fields []string
	if p.Power != nil {
		fields = append(fields, "power")
	}
	if p.Speed != nil {
		fields = append(fields, "speed")
	}
	if p.Direction != nil {
		fields = append(fields, "direction")
	}
	if p.Oscillation != nil {
		fields = append(fields, "oscillation")
	}
	return fields
}

// Snapshot is a point-in-time copy of everything the registry knows
// about one fan. Snapshots are value copies; callers may retain and
// modify them freely.
type Snapshot struct {
	Descriptor Descriptor `json:"descriptor"`
	State      State      `json:"state"`
	Health     Health     `json:"health"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// EventKind classifies registry events.
type EventKind string

// EventKind constants.
const (
	EventDiscovered    EventKind = "discovered"
	EventStateChanged  EventKind = "state_changed"
	EventHealthChanged EventKind = "health_changed"
	EventRemoved       EventKind = "removed"
)

// Event notifies subscribers of a registry change.
//
// Snapshot holds the fan's post-change view. For EventRemoved it carries
// the last known snapshot. Source is set for state changes only.
type Event struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"device_id"`
	Snapshot Snapshot  `json:"snapshot"`
	Source   Source    `json:"source,omitempty"`
	At       time.Time `json:"at"`
}
