package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/doubleukay/panasonic-wifan-ha/internal/cloud"
	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
)

func TestReconcile_AdoptsNewerPollWhileIdle(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().Add(-time.Hour).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	eng := newTestEngine(t, mock, reg, nil)

	events, cancel := reg.Subscribe(16)
	defer cancel()

	// Someone used the physical remote: off, oscillating.
	external := fan.State{Power: false, Speed: 3, Direction: fan.DirectionForward, Oscillation: true, Revision: time.Now().UTC()}
	mock.setState("fan-1", external)

	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	ev := receiveStateEvent(t, events)
	if ev.Source != fan.SourcePoll {
		t.Errorf("event source = %q, want %q", ev.Source, fan.SourcePoll)
	}
	snap := mustGet(t, reg, "fan-1")
	if !snap.State.Equal(external) || !snap.State.Revision.Equal(external.Revision) {
		t.Errorf("state = %+v, want adopted %+v", snap.State, external)
	}
	if snap.Health != fan.HealthOnline {
		t.Errorf("health = %q, want %q", snap.Health, fan.HealthOnline)
	}

	// A fresher query result with identical content advances the
	// revision quietly.
	samePosition := external
	samePosition.Revision = time.Now().UTC()
	mock.setState("fan-1", samePosition)

	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("second PollOnce() error = %v", err)
	}
	expectNoStateEvent(t, events)
	if got := mustGet(t, reg, "fan-1").State.Revision; !got.Equal(samePosition.Revision) {
		t.Errorf("revision = %v, want %v", got, samePosition.Revision)
	}
}

func TestReconcile_DiscardsStalePoll(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 6, Direction: fan.DirectionForward, Revision: time.Now().Add(-time.Minute).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	eng := newTestEngine(t, mock, reg, nil)

	events, cancel := reg.Subscribe(16)
	defer cancel()

	tests := []struct {
		name     string
		revision time.Time
	}{
		{"older revision", baseline.Revision.Add(-time.Minute)},
		{"equal revision", baseline.Revision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.setState("fan-1", fan.State{Power: false, Speed: 1, Direction: fan.DirectionReverse, Revision: tt.revision})

			if err := eng.PollOnce(context.Background()); err != nil {
				t.Fatalf("PollOnce() error = %v", err)
			}

			snap := mustGet(t, reg, "fan-1")
			if !snap.State.Equal(baseline) {
				t.Errorf("state = %+v, stale poll must not apply", snap.State)
			}
			// A discarded result says nothing about the fan right now.
			if snap.Health != fan.HealthUnknown {
				t.Errorf("health = %q, want untouched %q", snap.Health, fan.HealthUnknown)
			}
			expectNoStateEvent(t, events)
		})
	}
}

func TestReconcile_FirstPollSeedsState(t *testing.T) {
	reg := fan.NewRegistry()
	registerFan(t, reg, "fan-1", fan.State{})

	mock := newMockCloud("fan-1")
	first := fan.State{Power: false, Speed: 2, Direction: fan.DirectionForward, Revision: time.Now().UTC()}
	mock.setState("fan-1", first)
	eng := newTestEngine(t, mock, reg, nil)

	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	snap := mustGet(t, reg, "fan-1")
	if !snap.State.Equal(first) {
		t.Errorf("state = %+v, want %+v", snap.State, first)
	}
	if snap.Health != fan.HealthOnline {
		t.Errorf("health = %q, want %q", snap.Health, fan.HealthOnline)
	}
}

func TestReconcile_MergesExternalChangeAroundPending(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().Add(-time.Hour).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	mock.holdWrites()
	defer mock.releaseAll()
	eng := newTestEngine(t, mock, reg, nil)

	if err := eng.SubmitCommand(context.Background(), "fan-1", fan.Patch{Speed: intPtr(7)}); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}
	mock.awaitWrite(t)

	// While our speed write is on the wire, a poll reports a direction
	// change made elsewhere. The result still shows the old speed.
	external := fan.State{Power: true, Speed: 3, Direction: fan.DirectionReverse, Revision: time.Now().UTC()}
	mock.setState("fan-1", external)

	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	snap := mustGet(t, reg, "fan-1")
	if snap.State.Speed != 7 {
		t.Errorf("speed = %d, want pending 7 to stay authoritative", snap.State.Speed)
	}
	if snap.State.Direction != fan.DirectionReverse {
		t.Errorf("direction = %q, want external %q adopted", snap.State.Direction, fan.DirectionReverse)
	}
	if !snap.State.Revision.Equal(external.Revision) {
		t.Errorf("revision = %v, want the poll's %v", snap.State.Revision, external.Revision)
	}
	if snap.Health != fan.HealthOnline {
		t.Errorf("health = %q, want %q", snap.Health, fan.HealthOnline)
	}
}

func TestReconcile_PendingSatisfiedByPoll(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().Add(-time.Hour).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	mock.holdWrites()
	defer mock.releaseAll()
	eng := newTestEngine(t, mock, reg, nil)

	if err := eng.SubmitCommand(context.Background(), "fan-1", fan.Patch{Speed: intPtr(7)}); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}
	mock.awaitWrite(t)

	// The write landed on the device and a poll observed it before our
	// own readback returned.
	landed := fan.State{Power: true, Speed: 7, Direction: fan.DirectionForward, Revision: time.Now().UTC()}
	mock.setState("fan-1", landed)

	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	snap := mustGet(t, reg, "fan-1")
	if !snap.State.Revision.Equal(landed.Revision) {
		t.Errorf("revision = %v, want the poll's %v", snap.State.Revision, landed.Revision)
	}
	if snap.Health != fan.HealthOnline {
		t.Errorf("health = %q, want %q", snap.Health, fan.HealthOnline)
	}

	// The poll resolved the command, so the readback that eventually
	// returns must not reapply it.
	mock.release()
	time.Sleep(50 * time.Millisecond)
	if got := mustGet(t, reg, "fan-1").State.Revision; !got.Equal(landed.Revision) {
		t.Errorf("revision moved to %v after the late readback, want %v kept", got, landed.Revision)
	}
}

func TestReconcile_IgnoresPollPredatingCommand(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().Add(-2 * time.Hour).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	mock.holdWrites()
	defer mock.releaseAll()
	eng := newTestEngine(t, mock, reg, nil)

	events, cancel := reg.Subscribe(16)
	defer cancel()

	if err := eng.SubmitCommand(context.Background(), "fan-1", fan.Patch{Speed: intPtr(7)}); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}
	receiveStateEvent(t, events) // the optimistic apply
	mock.awaitWrite(t)

	// A result captured before the command was submitted happens to
	// show the same speed. It must neither satisfy the pending write
	// nor replace the optimistic state.
	old := fan.State{Power: true, Speed: 7, Direction: fan.DirectionReverse, Revision: time.Now().Add(-time.Hour).UTC()}
	mock.setState("fan-1", old)

	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	expectNoStateEvent(t, events)
	snap := mustGet(t, reg, "fan-1")
	if snap.State.Direction != fan.DirectionForward {
		t.Errorf("direction = %q, predating poll must not apply", snap.State.Direction)
	}
	if !snap.State.Revision.Equal(baseline.Revision) {
		t.Errorf("revision = %v, want baseline %v kept", snap.State.Revision, baseline.Revision)
	}
	if snap.Health != fan.HealthUnknown {
		t.Errorf("health = %q, want untouched %q", snap.Health, fan.HealthUnknown)
	}
}

func TestReconcile_ExpiresPendingAfterOneCycle(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().Add(-time.Hour).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	// Every write fails and the long retry base parks the loop in a
	// backoff sleep, so the pending entry can only age out.
	mock.failWrites(-1, fmt.Errorf("%w: gateway down", cloud.ErrTransient))

	eng, err := New(Options{
		Client:        mock,
		Registry:      reg,
		Logger:        testLogger(),
		RetryBase:     5 * time.Second,
		RetryCap:      10 * time.Second,
		RetryAttempts: 5,
		PollInterval:  60 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	if err := eng.SubmitCommand(context.Background(), "fan-1", fan.Patch{Speed: intPtr(7)}); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}
	waitFor(t, "first failed attempt", func() bool {
		return len(mock.applyCalls()) == 1
	})

	// Let the command age past one poll interval.
	time.Sleep(80 * time.Millisecond)

	mock.setState("fan-1", fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().UTC()})
	if err := eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	snap := mustGet(t, reg, "fan-1")
	if snap.State.Speed != 3 {
		t.Errorf("speed = %d, want expired optimism replaced by polled 3", snap.State.Speed)
	}
	if snap.Health != fan.HealthOnline {
		t.Errorf("health = %q, want %q", snap.Health, fan.HealthOnline)
	}
}

func TestWrite_RollbackAfterSupersededAckUsesLatestBaseline(t *testing.T) {
	reg := fan.NewRegistry()
	baseline := fan.State{Power: true, Speed: 3, Direction: fan.DirectionForward, Revision: time.Now().Add(-time.Hour).UTC()}
	registerFan(t, reg, "fan-1", baseline)

	mock := newMockCloud("fan-1")
	mock.holdWrites()
	defer mock.releaseAll()
	eng := newTestEngine(t, mock, reg, nil)

	// First command goes on the wire; a second supersedes it while in
	// flight.
	if err := eng.SubmitCommand(context.Background(), "fan-1", fan.Patch{Speed: intPtr(7)}); err != nil {
		t.Fatalf("first SubmitCommand() error = %v", err)
	}
	mock.awaitWrite(t)
	if err := eng.SubmitCommand(context.Background(), "fan-1", fan.Patch{Power: boolPtr(false)}); err != nil {
		t.Fatalf("second SubmitCommand() error = %v", err)
	}

	mock.release() // the speed write lands and is acknowledged
	mock.awaitWrite(t)

	// The merged follow-up write is rejected outright.
	mock.failWrites(1, fmt.Errorf("%w: rejected", cloud.ErrPermanent))
	mock.release()

	// Rollback must restore the superseded write's acknowledged state,
	// not the original baseline: the speed change really did land.
	waitFor(t, "rollback to the acknowledged state", func() bool {
		s := mustGet(t, reg, "fan-1").State
		return s.Power && s.Speed == 7
	})
	snap := mustGet(t, reg, "fan-1")
	if snap.State.Revision.IsZero() || !snap.State.Revision.After(baseline.Revision) {
		t.Errorf("revision = %v, want the interim ack's readback revision", snap.State.Revision)
	}
}
