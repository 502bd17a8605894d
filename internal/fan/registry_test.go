package fan

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testDescriptor(id, name string) Descriptor {
	return Descriptor{
		DeviceID:     id,
		Name:         name,
		Model:        "F-12XYZ",
		Capabilities: AllCapabilities(),
	}
}

// receiveEvent waits for one event or fails the test.
func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registry event")
		return Event{}
	}
}

// expectNoEvent asserts the channel stays quiet.
func expectNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_Upsert(t *testing.T) {
	t.Run("registers new fan with discovered event", func(t *testing.T) {
		r := NewRegistry()
		events, cancel := r.Subscribe(4)
		defer cancel()

		created, err := r.Upsert(testDescriptor("fan-1", "Lounge"))
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		if !created {
			t.Error("created = false, want true for new fan")
		}

		ev := receiveEvent(t, events)
		if ev.Kind != EventDiscovered {
			t.Errorf("event kind = %q, want %q", ev.Kind, EventDiscovered)
		}
		if ev.Snapshot.Health != HealthUnknown {
			t.Errorf("new fan health = %q, want %q", ev.Snapshot.Health, HealthUnknown)
		}
	})

	t.Run("same id refreshes without event", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Upsert(testDescriptor("fan-1", "Lounge")); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}

		events, cancel := r.Subscribe(4)
		defer cancel()

		created, err := r.Upsert(testDescriptor("fan-1", "Lounge Renamed"))
		if err != nil {
			t.Fatalf("second Upsert() error = %v", err)
		}
		if created {
			t.Error("created = true, want false for existing fan")
		}
		if r.Count() != 1 {
			t.Errorf("Count() = %d, want 1", r.Count())
		}

		expectNoEvent(t, events)

		snap, _ := r.Get("fan-1")
		if snap.Descriptor.Name != "Lounge Renamed" {
			t.Errorf("Name = %q, want refreshed name", snap.Descriptor.Name)
		}
	})

	t.Run("rejects invalid descriptor", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Upsert(Descriptor{})
		if !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("Upsert() error = %v, want ErrInvalidDescriptor", err)
		}
	})

	t.Run("keeps state across descriptor refresh", func(t *testing.T) {
		r := NewRegistry()
		r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup
		r.SetState("fan-1", testState(true, 7), SourcePoll) //nolint:errcheck // Setup

		if _, err := r.Upsert(testDescriptor("fan-1", "Lounge")); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}

		snap, _ := r.Get("fan-1")
		if snap.State.Speed != 7 {
			t.Errorf("Speed = %d, want state preserved", snap.State.Speed)
		}
	})
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup
	r.SetState("fan-1", testState(true, 3), SourcePoll) //nolint:errcheck // Setup

	events, cancel := r.Subscribe(4)
	defer cancel()

	snap, err := r.Remove("fan-1")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if snap.State.Speed != 3 {
		t.Errorf("removed snapshot speed = %d, want last known state", snap.State.Speed)
	}

	ev := receiveEvent(t, events)
	if ev.Kind != EventRemoved {
		t.Errorf("event kind = %q, want %q", ev.Kind, EventRemoved)
	}

	if _, err := r.Get("fan-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after remove error = %v, want ErrNotFound", err)
	}

	if _, err := r.Remove("fan-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_SetState(t *testing.T) {
	t.Run("emits event with source on change", func(t *testing.T) {
		r := NewRegistry()
		r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup

		events, cancel := r.Subscribe(4)
		defer cancel()

		changed, err := r.SetState("fan-1", testState(true, 5), SourceAck)
		if err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		if !changed {
			t.Error("changed = false, want true")
		}

		ev := receiveEvent(t, events)
		if ev.Kind != EventStateChanged {
			t.Errorf("event kind = %q, want %q", ev.Kind, EventStateChanged)
		}
		if ev.Source != SourceAck {
			t.Errorf("event source = %q, want %q", ev.Source, SourceAck)
		}
		if ev.Snapshot.State.Speed != 5 {
			t.Errorf("event speed = %d, want 5", ev.Snapshot.State.Speed)
		}
	})

	t.Run("revision only update stays quiet", func(t *testing.T) {
		r := NewRegistry()
		r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup

		state := testState(true, 5)
		r.SetState("fan-1", state, SourcePoll) //nolint:errcheck // Setup

		events, cancel := r.Subscribe(4)
		defer cancel()

		state.Revision = state.Revision.Add(time.Minute)
		changed, err := r.SetState("fan-1", state, SourcePoll)
		if err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		if changed {
			t.Error("changed = true for revision-only update")
		}
		expectNoEvent(t, events)

		// New revision must still be stored.
		snap, _ := r.Get("fan-1")
		if !snap.State.Revision.Equal(state.Revision) {
			t.Errorf("Revision = %v, want %v", snap.State.Revision, state.Revision)
		}
	})

	t.Run("accepts older revision for rollback", func(t *testing.T) {
		r := NewRegistry()
		r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup

		newer := testState(true, 9)
		r.SetState("fan-1", newer, SourceCommand) //nolint:errcheck // Setup

		older := testState(true, 2)
		older.Revision = newer.Revision.Add(-time.Hour)

		changed, err := r.SetState("fan-1", older, SourceRollback)
		if err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		if !changed {
			t.Error("rollback to older state should report changed")
		}

		snap, _ := r.Get("fan-1")
		if snap.State.Speed != 2 {
			t.Errorf("Speed = %d, want rolled back value 2", snap.State.Speed)
		}
	})

	t.Run("unknown fan", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.SetState("ghost", testState(true, 1), SourcePoll)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("SetState() error = %v, want ErrNotFound", err)
		}
	})
}

func TestRegistry_SetHealth(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup

	events, cancel := r.Subscribe(4)
	defer cancel()

	if err := r.SetHealth("fan-1", HealthOnline); err != nil {
		t.Fatalf("SetHealth() error = %v", err)
	}

	ev := receiveEvent(t, events)
	if ev.Kind != EventHealthChanged {
		t.Errorf("event kind = %q, want %q", ev.Kind, EventHealthChanged)
	}
	if ev.Snapshot.Health != HealthOnline {
		t.Errorf("health = %q, want %q", ev.Snapshot.Health, HealthOnline)
	}

	// Same value again: no event.
	if err := r.SetHealth("fan-1", HealthOnline); err != nil {
		t.Fatalf("SetHealth() repeat error = %v", err)
	}
	expectNoEvent(t, events)

	if err := r.SetHealth("ghost", HealthOnline); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetHealth() unknown fan error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("fan-b", "Bedroom")) //nolint:errcheck // Setup
	r.Upsert(testDescriptor("fan-a", "Attic"))   //nolint:errcheck // Setup
	r.Upsert(testDescriptor("fan-c", "Cellar"))  //nolint:errcheck // Setup

	snaps := r.List()
	if len(snaps) != 3 {
		t.Fatalf("List() returned %d fans, want 3", len(snaps))
	}
	for i, want := range []string{"fan-a", "fan-b", "fan-c"} {
		if snaps[i].Descriptor.DeviceID != want {
			t.Errorf("List()[%d] = %q, want %q (sorted)", i, snaps[i].Descriptor.DeviceID, want)
		}
	}

	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "fan-a" || ids[2] != "fan-c" {
		t.Errorf("IDs() = %v, want sorted ids", ids)
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup

	snap, _ := r.Get("fan-1")
	snap.Descriptor.Capabilities[0] = "tampered"

	fresh, _ := r.Get("fan-1")
	if fresh.Descriptor.Capabilities[0] != CapPower {
		t.Error("mutating a snapshot leaked into the registry")
	}
}

func TestRegistry_SubscribeCancel(t *testing.T) {
	r := NewRegistry()
	events, cancel := r.Subscribe(4)

	cancel()

	if _, open := <-events; open {
		t.Error("channel should be closed after cancel")
	}

	// Events after cancel must not panic.
	r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Exercise emit with no subscribers
}

func TestRegistry_SlowSubscriberDropsEvents(t *testing.T) {
	r := NewRegistry()
	events, cancel := r.Subscribe(1)
	defer cancel()

	// Two discoveries against a buffer of one: second event is dropped,
	// the registry must not block.
	r.Upsert(testDescriptor("fan-1", "Lounge"))  //nolint:errcheck // Setup
	r.Upsert(testDescriptor("fan-2", "Bedroom")) //nolint:errcheck // Setup

	ev := receiveEvent(t, events)
	if ev.DeviceID != "fan-1" {
		t.Errorf("first event device = %q, want fan-1", ev.DeviceID)
	}
	expectNoEvent(t, events)
}

func TestRegistry_GetStats(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("fan-1", "Lounge"))  //nolint:errcheck // Setup
	r.Upsert(testDescriptor("fan-2", "Bedroom")) //nolint:errcheck // Setup
	r.SetHealth("fan-1", HealthOnline)           //nolint:errcheck // Setup

	stats := r.GetStats()
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByHealth[HealthOnline] != 1 {
		t.Errorf("ByHealth[online] = %d, want 1", stats.ByHealth[HealthOnline])
	}
	if stats.ByHealth[HealthUnknown] != 1 {
		t.Errorf("ByHealth[unknown] = %d, want 1", stats.ByHealth[HealthUnknown])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("fan-1", "Lounge")) //nolint:errcheck // Setup

	events, cancel := r.Subscribe(1024)
	defer cancel()

	// Drain events so emit never hits a full buffer mid-test. The drain
	// goroutine exits when cancel closes the channel.
	go func() {
		for range events {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				state := testState(j%2 == 0, (j%MaxSpeed)+1)
				r.SetState("fan-1", state, SourcePoll) //nolint:errcheck // Concurrency exercise
				r.Get("fan-1")                         //nolint:errcheck // Concurrency exercise
				r.List()
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}
