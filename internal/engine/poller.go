package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

// maxCycleBackoffFactor bounds how far consecutive failed cycles can
// stretch the poll delay.
const maxCycleBackoffFactor = 8

// PollRunner triggers one reconciliation pass. *Engine implements it.
type PollRunner interface {
	PollOnce(ctx context.Context) error
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Runner performs the reconciliation pass. Required.
	Runner PollRunner

	// Interval between scheduled passes.
	Interval time.Duration

	// Jitter spreads each delay across a fraction of the interval,
	// 0.1 meaning plus or minus ten percent. Zero disables jitter.
	Jitter float64

	// Logger is the structured logger. The process default is used
	// when nil.
	Logger *logging.Logger
}

// Poller schedules reconciliation passes.
//
// Cycles run every interval with jitter, so a restart never locks the
// bridge into polling the cloud at the exact same moments forever.
// Consecutive failed cycles double the delay up to eight intervals; a
// successful pass resets it. PollNow forces a pass between scheduled
// ones.
type Poller struct {
	runner   PollRunner
	interval time.Duration
	jitter   float64
	logger   *logging.Logger

	// runMu serialises passes so a forced poll never overlaps a
	// scheduled one.
	runMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPoller creates a poller around the given runner.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Runner == nil {
		return nil, errors.New("poll runner is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Poller{
		runner:   opts.Runner,
		interval: opts.Interval,
		jitter:   opts.Jitter,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run schedules reconciliation passes until the context is cancelled.
// The first pass happens one jittered interval after Run starts;
// callers wanting an immediate one do PollNow first. An in-flight pass
// is never interrupted, only future ones are cancelled.
func (p *Poller) Run(ctx context.Context) {
	failures := 0
	timer := time.NewTimer(p.nextDelay(failures))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := p.pass(ctx)
		switch {
		case err == nil:
			if failures > 0 {
				p.logger.Info("poll cycle recovered", "after_failures", failures)
			}
			failures = 0
		case errors.Is(err, context.Canceled), errors.Is(err, ErrStopped):
			return
		default:
			failures++
			p.logger.Warn("poll cycle failed",
				"consecutive", failures,
				"error", err)
		}

		timer.Reset(p.nextDelay(failures))
	}
}

// PollNow forces a reconciliation pass, waiting for any pass already
// running to finish first. The scheduled cadence is unaffected.
func (p *Poller) PollNow(ctx context.Context) error {
	return p.pass(ctx)
}

func (p *Poller) pass(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.runner.PollOnce(ctx)
}

func (p *Poller) nextDelay(failures int) time.Duration {
	p.rngMu.Lock()
	rnd := p.rng.Float64()
	p.rngMu.Unlock()
	return computeDelay(p.interval, p.jitter, failures, rnd)
}

// computeDelay returns the wait before the next scheduled pass.
// Consecutive failures double the base interval, saturating at
// maxCycleBackoffFactor times it; rnd in [0,1) spreads the result
// across the jitter band around the base.
func computeDelay(interval time.Duration, jitter float64, failures int, rnd float64) time.Duration {
	base := interval
	limit := interval * maxCycleBackoffFactor
	for i := 0; i < failures; i++ {
		base *= 2
		if base >= limit {
			base = limit
			break
		}
	}
	if jitter > 0 {
		base = time.Duration(float64(base) * (1 + jitter*(2*rnd-1)))
	}
	return base
}
