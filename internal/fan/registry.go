package fan

import (
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// defaultEventBuffer is the subscriber channel size used when Subscribe
// is called with a non-positive buffer.
const defaultEventBuffer = 64

// entry is the registry's internal record for one fan.
type entry struct {
	descriptor Descriptor
	state      State
	health     Health
	updatedAt  time.Time
}

// subscriber is one event listener. Events that don't fit in the buffer
// are dropped and counted; a consumer that cares about every transition
// should size its buffer accordingly or drain promptly.
type subscriber struct {
	ch      chan Event
	dropped int
}

// Registry is the bridge's in-memory view of the account's fans.
//
// It is rebuilt from cloud discovery on startup, so nothing here is
// persisted. The registry stores what it is given and reports changes;
// deciding which state wins (poll versus optimistic versus rollback) is
// the sync engine's job, which is why no ordering is enforced here.
//
// All methods are safe for concurrent use. Events are emitted in the
// order changes are applied, and delivery to a subscriber never blocks
// a registry operation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[int]*subscriber
	nextSub int
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		subs:    make(map[int]*subscriber),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Upsert registers a fan or refreshes its descriptor.
//
// New fans start with zero state and HealthUnknown; an EventDiscovered
// is emitted for them. Known fans keep their state and health, only the
// descriptor is replaced, and no event fires unless it actually changed.
//
// Parameters:
//   - d: Descriptor from cloud discovery
//
// Returns:
//   - created: true if the fan was not previously registered
//   - error: ErrInvalidDescriptor if validation fails
func (r *Registry) Upsert(d Descriptor) (created bool, err error) {
	if err := ValidateDescriptor(d); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := r.entries[d.DeviceID]
	if !ok {
		e := &entry{
			descriptor: d.Copy(),
			health:     HealthUnknown,
			updatedAt:  now,
		}
		r.entries[d.DeviceID] = e
		r.logger.Info("fan registered", "device_id", d.DeviceID, "name", d.Name)
		r.emit(Event{
			Kind:     EventDiscovered,
			DeviceID: d.DeviceID,
			Snapshot: e.snapshot(),
			At:       now,
		})
		return true, nil
	}

	existing.descriptor = d.Copy()
	existing.updatedAt = now
	r.logger.Debug("fan descriptor refreshed", "device_id", d.DeviceID)
	return false, nil
}

// Remove deletes a fan from the registry, emitting an EventRemoved that
// carries the last known snapshot.
//
// Parameters:
//   - id: Device ID to remove
//
// Returns:
//   - Snapshot: The fan's final snapshot
//   - error: ErrNotFound if the fan is not registered
func (r *Registry) Remove(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	snap := e.snapshot()
	delete(r.entries, id)
	r.logger.Info("fan removed", "device_id", id)
	r.emit(Event{
		Kind:     EventRemoved,
		DeviceID: id,
		Snapshot: snap,
		At:       time.Now().UTC(),
	})
	return snap, nil
}

// Get returns a snapshot of one fan.
//
// Parameters:
//   - id: Device ID
//
// Returns:
//   - Snapshot: Value copy, safe to retain
//   - error: ErrNotFound if the fan is not registered
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// List returns snapshots of all fans, sorted by device ID so output is
// stable across calls.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		snaps = append(snaps, e.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Descriptor.DeviceID < snaps[j].Descriptor.DeviceID
	})
	return snaps
}

// IDs returns the registered device IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetState replaces a fan's state.
//
// An EventStateChanged fires only when a controllable field actually
// changed; revision-only updates are stored quietly. The registry never
// compares revisions, so a rollback may legitimately install a state
// older than the current one.
//
// Parameters:
//   - id: Device ID
//   - state: New state snapshot
//   - source: How the bridge learnt of this state
//
// Returns:
//   - changed: true if a controllable field differed
//   - error: ErrNotFound if the fan is not registered
func (r *Registry) SetState(id string, state State, source Source) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false, ErrNotFound
	}

	changed = !e.state.Equal(state)
	e.state = state
	e.updatedAt = time.Now().UTC()

	if changed {
		r.logger.Debug("fan state updated",
			"device_id", id,
			"source", source,
			"power", state.Power,
			"speed", state.Speed,
		)
		r.emit(Event{
			Kind:     EventStateChanged,
			DeviceID: id,
			Snapshot: e.snapshot(),
			Source:   source,
			At:       e.updatedAt,
		})
	}
	return changed, nil
}

// SetHealth updates a fan's health status, emitting an
// EventHealthChanged if it differs.
//
// Parameters:
//   - id: Device ID
//   - health: New health status
//
// Returns:
//   - error: ErrNotFound if the fan is not registered
func (r *Registry) SetHealth(id string, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}

	if e.health == health {
		return nil
	}

	e.health = health
	e.updatedAt = time.Now().UTC()
	r.logger.Debug("fan health updated", "device_id", id, "health", health)
	r.emit(Event{
		Kind:     EventHealthChanged,
		DeviceID: id,
		Snapshot: e.snapshot(),
		At:       e.updatedAt,
	})
	return nil
}

// Count returns the number of registered fans.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats summarises the registry for monitoring.
type Stats struct {
	Total       int            `json:"total"`
	ByHealth    map[Health]int `json:"by_health"`
	Subscribers int            `json:"subscribers"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:       len(r.entries),
		ByHealth:    make(map[Health]int),
		Subscribers: len(r.subs),
	}
	for _, e := range r.entries {
		stats.ByHealth[e.health]++
	}
	return stats
}

// Subscribe registers an event listener.
//
// The returned channel receives every registry event until the cancel
// function is called, which also closes the channel. A subscriber that
// falls behind loses events rather than stalling the registry; drops
// are counted and logged on cancel.
//
// Parameters:
//   - buffer: Channel capacity; values < 1 use a sensible default
//
// Returns:
//   - <-chan Event: Event stream
//   - func(): Cancel function, safe to call once
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = defaultEventBuffer
	}

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	sub := &subscriber{ch: make(chan Event, buffer)}
	r.subs[id] = sub
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		s, ok := r.subs[id]
		delete(r.subs, id)
		r.mu.Unlock()

		if ok {
			if s.dropped > 0 {
				r.logger.Warn("registry subscriber dropped events", "dropped", s.dropped)
			}
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// emit delivers an event to every subscriber without blocking.
// Caller must hold r.mu, which keeps event order consistent with the
// order changes were applied.
func (r *Registry) emit(ev Event) {
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// snapshot builds a value copy of the entry. Caller must hold r.mu.
func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Descriptor: e.descriptor.Copy(),
		State:      e.state,
		Health:     e.health,
		UpdatedAt:  e.updatedAt,
	}
}
