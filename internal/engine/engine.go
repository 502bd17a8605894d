package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doubleukay/panasonic-wifan-ha/internal/cloud"
	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

// Default engine tuning, used when the corresponding Options field is
// zero.
const (
	defaultRetryBase     = 2 * time.Second
	defaultRetryCap      = 30 * time.Second
	defaultRetryAttempts = 5
	defaultPollInterval  = 5 * time.Minute
)

// CloudClient is the remote fan API the engine drives.
// Implemented by *cloud.Client; tests substitute their own.
type CloudClient interface {
	// Discover lists the account's fans.
	Discover(ctx context.Context) ([]fan.Descriptor, error)

	// FetchStates queries the given fans in one batch and returns the
	// decoded state of every fan that answered, keyed by device ID.
	FetchStates(ctx context.Context, deviceIDs []string) (map[string]fan.State, error)

	// Apply writes a full desired state to one fan and returns the
	// state the device reported afterwards.
	Apply(ctx context.Context, deviceID string, desired fan.State) (fan.State, error)
}

// Registry is the registry surface the engine needs.
// Implemented by *fan.Registry.
type Registry interface {
	Upsert(d fan.Descriptor) (bool, error)
	Remove(id string) (fan.Snapshot, error)
	Get(id string) (fan.Snapshot, error)
	IDs() []string
	SetState(id string, state fan.State, source fan.Source) (bool, error)
	SetHealth(id string, health fan.Health) error
}

// Options configures a sync engine.
type Options struct {
	// Client performs the cloud I/O. Required.
	Client CloudClient

	// Registry holds the local view the engine reconciles. Required.
	Registry Registry

	// History receives a record of every state change. Optional; nil
	// disables history.
	History fan.HistoryRepository

	// Logger is the structured logger. The process default is used
	// when nil.
	Logger *logging.Logger

	// RetryBase is the first retry delay after a transient write
	// failure.
	RetryBase time.Duration

	// RetryCap bounds the exponential retry delay.
	RetryCap time.Duration

	// RetryAttempts is how many times a write is attempted before the
	// optimistic state is rolled back.
	RetryAttempts int

	// PollInterval is the scheduled poll cadence. A pending write older
	// than one interval is expired by the next poll that reaches it.
	PollInterval time.Duration
}

// pendingCommand is the single outstanding write for one fan. A burst
// of commands collapses into it by patch merging; the id changes on
// every merge so an attempt that was superseded mid-flight can tell.
type pendingCommand struct {
	id          string
	patch       fan.Patch
	submittedAt time.Time
	attempts    int
}

// deviceSync is the engine's per-fan bookkeeping.
//
// mu is the fan's critical section: every decision about this fan's
// state (optimistic apply, ack, rollback, poll merge) happens under it,
// including the registry update it results in. That keeps the fan's
// event order identical to decision order.
type deviceSync struct {
	id string

	mu      sync.Mutex
	pending *pendingCommand

	// confirmed is the state the device is believed to hold absent the
	// pending write; failed writes roll back to it. Seeded from the
	// registry on the first command, then maintained from acks and
	// adopted polls.
	confirmed    fan.State
	hasConfirmed bool

	// writing is true while a write loop goroutine exists for this fan.
	writing bool

	// kick wakes the write loop out of a backoff sleep when a
	// superseding command wants the merged payload sent promptly.
	kick chan struct{}
}

// Engine keeps the registry and the cloud agreed on what each fan is
// doing.
//
// Writes are optimistic: SubmitCommand patches the registry before any
// network I/O and queues the patch for a per-fan write loop. At most
// one write per fan is ever outstanding; commands arriving while one is
// in flight merge into it, later fields winning. Failed writes roll the
// registry back to the last confirmed state.
//
// Reads are polls: PollOnce refreshes discovery, fetches all fans in
// one batch and folds each result in. Results older than what the
// registry holds are discarded, results that confirm a pending write
// resolve it, and results that conflict with one lose the contested
// fields until the write's own acknowledgement.
//
// Locking: each fan has its own mutex, held across the registry calls
// that resolve its writes and polls. The engine mutex only guards the
// device map and the stopped flag. A fan mutex may be held when taking
// the engine mutex, never the reverse.
type Engine struct {
	client   CloudClient
	registry Registry
	history  fan.HistoryRepository
	logger   *logging.Logger

	retryBase     time.Duration
	retryCap      time.Duration
	retryAttempts int
	pollInterval  time.Duration

	mu      sync.Mutex
	devices map[string]*deviceSync
	stopped bool

	// stopping tells backoff sleeps to abandon their retry; in-flight
	// attempts still run to completion.
	stopping chan struct{}

	// ctx covers the engine's cloud calls and is cancelled once Stop's
	// grace period runs out.
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a sync engine. Call Stop to shut it down.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("cloud client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = defaultRetryCap
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:        opts.Client,
		registry:      opts.Registry,
		history:       opts.History,
		logger:        logger,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
		retryAttempts: opts.RetryAttempts,
		pollInterval:  opts.PollInterval,
		devices:       make(map[string]*deviceSync),
		stopping:      make(chan struct{}),
		ctx:           ctx,
		ctxCancel:     cancel,
	}, nil
}

// SubmitCommand validates a patch, applies it to the registry
// optimistically and queues it for asynchronous delivery.
//
// The registry reflects the patched state before this returns; callers
// observe the acknowledgement or rollback on the registry's event
// stream. If a write for the fan is already outstanding the patch is
// merged into it, later fields winning, and the merged payload goes out
// when the in-flight attempt finishes. There is never more than one
// outstanding write per fan.
//
// Parameters:
//   - ctx: Context for the history write
//   - deviceID: Registered fan
//   - patch: Fields to change; must set at least one
//
// Returns:
//   - error: fan validation errors, fan.ErrNotFound for unknown fans,
//     ErrStopped during shutdown
func (e *Engine) SubmitCommand(ctx context.Context, deviceID string, patch fan.Patch) error {
	if err := fan.ValidatePatch(patch); err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	d := e.deviceLocked(deviceID)
	e.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	snap, err := e.registry.Get(deviceID)
	if err != nil {
		return err
	}

	if !d.hasConfirmed {
		d.confirmed = snap.State
		d.hasConfirmed = true
	}

	now := time.Now().UTC()
	superseded := d.pending != nil
	merged := patch
	if superseded {
		merged = d.pending.patch.Merge(patch)
	}
	d.pending = &pendingCommand{
		id:          uuid.NewString(),
		patch:       merged,
		submittedAt: now,
	}

	optimistic := patch.ApplyTo(snap.State)
	if _, err := e.registry.SetState(deviceID, optimistic, fan.SourceCommand); err != nil {
		d.pending = nil
		return err
	}
	e.recordHistory(ctx, deviceID, optimistic, fan.SourceCommand)

	if d.writing {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	} else {
		if !e.startWriter(d) {
			d.pending = nil
			if _, err := e.registry.SetState(deviceID, snap.State, fan.SourceRollback); err == nil {
				e.recordHistory(ctx, deviceID, snap.State, fan.SourceRollback)
			}
			return ErrStopped
		}
		d.writing = true
	}

	e.logger.Debug("command accepted",
		"device_id", deviceID,
		"fields", merged.Fields(),
		"superseded", superseded)
	return nil
}

// PollOnce runs one reconciliation pass: refresh discovery, fetch every
// registered fan's state in a single batch and fold the results in.
//
// Fans the batch holds no answer for are marked offline. An error is
// returned only when the pass as a whole could not run; per-fan
// reconciliation never fails the pass.
func (e *Engine) PollOnce(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.mu.Unlock()

	if err := e.DiscoverAndRegister(ctx); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	ids := e.registry.IDs()
	if len(ids) == 0 {
		return nil
	}

	states, err := e.client.FetchStates(ctx, ids)
	if err != nil {
		return fmt.Errorf("state fetch: %w", err)
	}

	for _, id := range ids {
		polled, ok := states[id]
		if !ok {
			e.logger.Warn("fan did not answer the poll", "device_id", id)
			e.markHealth(id, fan.HealthOffline)
			continue
		}
		e.reconcileDevice(ctx, e.device(id), polled)
	}

	e.logger.Debug("poll cycle complete",
		"fans", len(ids),
		"answered", len(states))
	return nil
}

// DiscoverAndRegister refreshes the registry from cloud discovery,
// registering new fans and unlinking ones the account no longer lists.
func (e *Engine) DiscoverAndRegister(ctx context.Context) error {
	descriptors, err := e.client.Discover(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(descriptors))
	for _, desc := range descriptors {
		seen[desc.DeviceID] = true
		created, err := e.registry.Upsert(desc)
		if err != nil {
			e.logger.Warn("descriptor rejected",
				"device_id", desc.DeviceID,
				"error", err)
			continue
		}
		if created {
			// A fan may come back under an id that was unlinked
			// earlier; any per-fan bookkeeping from its previous life
			// is stale.
			e.resetDevice(desc.DeviceID)
		}
	}

	for _, id := range e.registry.IDs() {
		if !seen[id] {
			e.unlink(id)
		}
	}
	return nil
}

// Stop shuts the engine down, letting each in-flight write finish its
// current attempt. Backoff retries are abandoned rather than waited
// out. The context bounds the wait; on expiry outstanding cloud calls
// are cancelled and Stop returns the context's error once the workers
// have unwound.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.stopping)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.ctxCancel()
		e.logger.Info("sync engine stopped")
		return nil
	case <-ctx.Done():
		e.ctxCancel()
		<-done
		e.logger.Warn("sync engine stop timed out, in-flight writes aborted")
		return ctx.Err()
	}
}

// writeLoop delivers a fan's pending write, retrying transient
// failures, until nothing is pending. One loop exists per fan at most;
// the writing flag guards that.
func (e *Engine) writeLoop(d *deviceSync) {
	defer e.wg.Done()

	for {
		d.mu.Lock()
		if d.pending == nil || e.ctx.Err() != nil {
			d.writing = false
			d.mu.Unlock()
			return
		}
		cmd := *d.pending

		snap, err := e.registry.Get(d.id)
		if err != nil {
			// Unlinked while the write was queued.
			d.pending = nil
			d.writing = false
			d.mu.Unlock()
			return
		}
		desired := snap.State
		// A fan that has never reported state carries speed zero, which
		// the wire format cannot express.
		desired.Speed = fan.ClampSpeed(desired.Speed)
		d.mu.Unlock()

		acked, err := e.client.Apply(e.ctx, d.id, desired)

		switch {
		case err == nil:
			e.handleAck(d, cmd, acked)
		case errors.Is(err, cloud.ErrNotFound):
			e.logger.Info("fan gone from the account, unlinking",
				"device_id", d.id)
			d.mu.Lock()
			d.pending = nil
			d.writing = false
			d.mu.Unlock()
			e.unlink(d.id)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Shutdown cancelled the attempt. Leave the optimistic
			// state alone; the next run's poll settles it.
			d.mu.Lock()
			d.writing = false
			d.mu.Unlock()
			return
		case errors.Is(err, cloud.ErrTransient):
			delay, retry := e.handleTransient(d, cmd, err)
			if retry && !e.waitRetry(d, delay) {
				// Shutdown during backoff abandons the retry; the
				// optimistic state stands until the next run polls.
				d.mu.Lock()
				d.writing = false
				d.mu.Unlock()
				return
			}
		default:
			e.handleFailure(d, cmd, err)
		}
	}
}

// handleAck folds a successful write's readback into the registry.
//
// The cloud acknowledges a write by reporting the device's state
// afterwards, so the readback is adopted wholesale even when it does
// not match what was asked for. If the command was superseded while
// the write was in flight only the confirmed baseline moves; the
// registry keeps showing the newer optimistic state until the merged
// payload is delivered.
func (e *Engine) handleAck(d *deviceSync, cmd pendingCommand, acked fan.State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.confirmed = acked
	d.hasConfirmed = true

	if d.pending == nil || d.pending.id != cmd.id {
		e.logger.Debug("write superseded mid-flight",
			"device_id", d.id)
		return
	}
	d.pending = nil

	if _, err := e.registry.SetState(d.id, acked, fan.SourceAck); err != nil {
		return
	}
	e.markHealth(d.id, fan.HealthOnline)
	e.recordHistory(e.ctx, d.id, acked, fan.SourceAck)
	e.logger.Debug("write acknowledged",
		"device_id", d.id,
		"fields", cmd.patch.Fields(),
		"attempts", cmd.attempts+1)
}

// handleTransient books a failed attempt and decides whether to retry.
// The returned delay applies only when retry is true; exhaustion rolls
// the fan back and marks it degraded until a poll confirms it again.
func (e *Engine) handleTransient(d *deviceSync, cmd pendingCommand, cause error) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil || d.pending.id != cmd.id {
		// Superseded while the attempt was failing; the merged payload
		// starts with a fresh attempt budget.
		return 0, false
	}

	d.pending.attempts++
	if d.pending.attempts >= e.retryAttempts {
		e.logger.Error("write attempts exhausted, rolling back",
			"device_id", d.id,
			"fields", cmd.patch.Fields(),
			"attempts", d.pending.attempts,
			"error", cause)
		e.rollbackLocked(d)
		e.markHealth(d.id, fan.HealthDegraded)
		return 0, false
	}

	delay := e.backoff(d.pending.attempts)
	e.logger.Warn("write failed, retrying",
		"device_id", d.id,
		"attempt", d.pending.attempts,
		"retry_in", delay,
		"error", cause)
	return delay, true
}

// handleFailure rolls the registry back after a write the cloud will
// not accept. Auth failures land here too: the client already retried
// once on a fresh session, so a persisting rejection needs operator
// attention, not another attempt.
func (e *Engine) handleFailure(d *deviceSync, cmd pendingCommand, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil || d.pending.id != cmd.id {
		return
	}
	e.logger.Error("write rejected, rolling back",
		"device_id", d.id,
		"fields", cmd.patch.Fields(),
		"error", cause)
	e.rollbackLocked(d)
}

// rollbackLocked restores the last confirmed state after a failed
// write. Caller must hold d.mu.
func (e *Engine) rollbackLocked(d *deviceSync) {
	d.pending = nil
	if _, err := e.registry.SetState(d.id, d.confirmed, fan.SourceRollback); err != nil {
		return
	}
	e.recordHistory(e.ctx, d.id, d.confirmed, fan.SourceRollback)
}

// waitRetry sleeps for the backoff delay. It returns early when the
// fan's kick channel fires (a superseding command wants the merged
// payload sent now) and reports false when the engine is shutting
// down.
func (e *Engine) waitRetry(d *deviceSync, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-d.kick:
		return true
	case <-e.stopping:
		return false
	case <-e.ctx.Done():
		return false
	}
}

// reconcileDevice folds one polled state into the registry under the
// fan's critical section.
func (e *Engine) reconcileDevice(ctx context.Context, d *deviceSync, polled fan.State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, err := e.registry.Get(d.id)
	if err != nil {
		return
	}

	// Monotonic revision gate. The registry may hold an optimistic
	// state carrying its baseline's revision, so the confirmed
	// high-water mark counts too: a duplicate or out-of-order query
	// result never moves a fan backwards. A result that fails the gate
	// carries no information about the fan right now, so health is
	// left alone as well.
	latest := snap.State.Revision
	if d.hasConfirmed && d.confirmed.Revision.After(latest) {
		latest = d.confirmed.Revision
	}
	if !latest.IsZero() && !polled.Revision.After(latest) {
		e.logger.Debug("stale poll result discarded",
			"device_id", d.id,
			"poll_revision", polled.Revision,
			"have_revision", latest)
		return
	}

	if d.pending == nil {
		e.adoptLocked(ctx, d, polled)
		return
	}

	cmd := d.pending
	switch {
	case polled.Revision.Before(cmd.submittedAt):
		// Captured before the command went out; it can neither confirm
		// nor contradict the write, and adopting it would clobber the
		// optimistic fields. The next cycle's result will be younger.
		e.logger.Debug("poll result predates pending command, ignored",
			"device_id", d.id)

	case cmd.patch.SatisfiedBy(polled):
		// The write landed and the poll saw it, possibly before our
		// own readback did.
		d.pending = nil
		e.logger.Info("pending command confirmed by poll",
			"device_id", d.id,
			"fields", cmd.patch.Fields())
		e.adoptLocked(ctx, d, polled)

	case time.Since(cmd.submittedAt) >= e.pollInterval:
		// The command had a full poll cycle to land and did not. Stop
		// showing state the cloud never confirmed.
		e.logger.Warn("pending command expired, adopting polled state",
			"device_id", d.id,
			"fields", cmd.patch.Fields(),
			"age", time.Since(cmd.submittedAt).Round(time.Millisecond))
		d.pending = nil
		e.adoptLocked(ctx, d, polled)

	default:
		// Contested fields stay ours until the write's own
		// acknowledgement; everything else is the cloud's.
		d.confirmed = polled
		d.hasConfirmed = true
		merged := cmd.patch.ApplyTo(polled)
		changed, err := e.registry.SetState(d.id, merged, fan.SourcePoll)
		if err != nil {
			return
		}
		e.markHealth(d.id, fan.HealthOnline)
		if changed {
			e.recordHistory(ctx, d.id, merged, fan.SourcePoll)
			e.logger.Info("external change merged around pending command",
				"device_id", d.id,
				"pending_fields", cmd.patch.Fields())
		}
	}
}

// adoptLocked installs a polled state as both the registry state and
// the confirmed baseline. Caller must hold d.mu.
func (e *Engine) adoptLocked(ctx context.Context, d *deviceSync, polled fan.State) {
	d.confirmed = polled
	d.hasConfirmed = true

	changed, err := e.registry.SetState(d.id, polled, fan.SourcePoll)
	if err != nil {
		return
	}
	e.markHealth(d.id, fan.HealthOnline)
	if changed {
		e.recordHistory(ctx, d.id, polled, fan.SourcePoll)
		e.logger.Info("polled state adopted",
			"device_id", d.id,
			"power", polled.Power,
			"speed", polled.Speed)
	}
}

// unlink removes a fan the cloud no longer knows, dropping any pending
// write with it.
func (e *Engine) unlink(id string) {
	e.mu.Lock()
	d := e.devices[id]
	delete(e.devices, id)
	e.mu.Unlock()

	if d != nil {
		d.mu.Lock()
		d.pending = nil
		d.mu.Unlock()
	}

	if _, err := e.registry.Remove(id); err != nil {
		if !errors.Is(err, fan.ErrNotFound) {
			e.logger.Warn("unlink failed", "device_id", id, "error", err)
		}
		return
	}
	e.logger.Info("fan unlinked", "device_id", id)
}

// resetDevice drops per-fan bookkeeping left over from a previous
// registration of the same id.
func (e *Engine) resetDevice(id string) {
	e.mu.Lock()
	delete(e.devices, id)
	e.mu.Unlock()
}

// device returns the fan's sync entry, creating it on first use.
func (e *Engine) device(id string) *deviceSync {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceLocked(id)
}

// deviceLocked is device for callers already holding e.mu.
func (e *Engine) deviceLocked(id string) *deviceSync {
	d, ok := e.devices[id]
	if !ok {
		d = &deviceSync{id: id, kick: make(chan struct{}, 1)}
		e.devices[id] = d
	}
	return d
}

// startWriter launches the fan's write loop unless the engine is
// stopping. Caller must hold d.mu; the new loop blocks on it until the
// caller releases.
func (e *Engine) startWriter(d *deviceSync) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	go e.writeLoop(d)
	return true
}

// backoff returns the delay after the given number of failed attempts,
// doubling from the base and saturating at the cap.
func (e *Engine) backoff(attempts int) time.Duration {
	delay := e.retryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= e.retryCap {
			return e.retryCap
		}
	}
	if delay > e.retryCap {
		delay = e.retryCap
	}
	return delay
}

// markHealth updates a fan's health, tolerating a concurrent unlink.
func (e *Engine) markHealth(id string, health fan.Health) {
	if err := e.registry.SetHealth(id, health); err != nil && !errors.Is(err, fan.ErrNotFound) {
		e.logger.Warn("health update failed", "device_id", id, "error", err)
	}
}

// recordHistory persists a state change, best effort. History is an
// audit trail; a failed insert never fails the state transition that
// produced it.
func (e *Engine) recordHistory(ctx context.Context, deviceID string, state fan.State, source fan.Source) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(ctx, deviceID, state, source); err != nil {
		e.logger.Warn("state history write failed",
			"device_id", deviceID,
			"source", source,
			"error", err)
	}
}
