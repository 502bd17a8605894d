package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedRunner returns queued errors in order, then succeeds,
// recording when each pass ran.
type scriptedRunner struct {
	mu    sync.Mutex
	times []time.Time
	errs  []error
}

func (r *scriptedRunner) PollOnce(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, time.Now())
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRunner) callTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.times))
	copy(out, r.times)
	return out
}

// countingRunner tracks how many passes overlap.
type countingRunner struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	calls   int
}

func (r *countingRunner) PollOnce(context.Context) error {
	r.mu.Lock()
	r.active++
	r.calls++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return nil
}

func TestComputeDelay(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		jitter   float64
		failures int
		rnd      float64
		want     time.Duration
	}{
		{"healthy", 100 * time.Millisecond, 0, 0, 0.7, 100 * time.Millisecond},
		{"one failure doubles", 100 * time.Millisecond, 0, 1, 0.7, 200 * time.Millisecond},
		{"two failures", 100 * time.Millisecond, 0, 2, 0.7, 400 * time.Millisecond},
		{"three failures hit the cap", 100 * time.Millisecond, 0, 3, 0.7, 800 * time.Millisecond},
		{"backoff saturates", 100 * time.Millisecond, 0, 20, 0.7, 800 * time.Millisecond},
		{"jitter low end", 100 * time.Millisecond, 0.1, 0, 0, 90 * time.Millisecond},
		{"jitter midpoint", 100 * time.Millisecond, 0.1, 0, 0.5, 100 * time.Millisecond},
		{"jitter high end", 100 * time.Millisecond, 0.1, 0, 1, 110 * time.Millisecond},
		{"jitter applies after backoff", 100 * time.Millisecond, 0.1, 1, 0, 180 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeDelay(tt.interval, tt.jitter, tt.failures, tt.rnd)
			if got != tt.want {
				t.Errorf("computeDelay(%v, %v, %d, %v) = %v, want %v",
					tt.interval, tt.jitter, tt.failures, tt.rnd, got, tt.want)
			}
		})
	}
}

func TestPoller_BacksOffOnFailuresAndRecovers(t *testing.T) {
	runner := &scriptedRunner{errs: []error{
		errors.New("cloud hiccup"),
		errors.New("cloud hiccup"),
	}}
	p, err := NewPoller(PollerOptions{
		Runner:   runner,
		Interval: 20 * time.Millisecond,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	waitFor(t, "four poll passes", func() bool {
		return len(runner.callTimes()) >= 4
	})
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	times := runner.callTimes()
	// Two failures double the delay twice, then success restores the
	// base interval. Lower bounds only; the scheduler may lag.
	if gap := times[1].Sub(times[0]); gap < 35*time.Millisecond {
		t.Errorf("gap after first failure = %v, want at least ~40ms", gap)
	}
	if gap := times[2].Sub(times[1]); gap < 70*time.Millisecond {
		t.Errorf("gap after second failure = %v, want at least ~80ms", gap)
	}
	if backedOff, healthy := times[2].Sub(times[1]), times[3].Sub(times[2]); healthy >= backedOff {
		t.Errorf("gap after recovery = %v, want shorter than the backed-off %v", healthy, backedOff)
	}
}

func TestPoller_RunReturnsWhenEngineStops(t *testing.T) {
	runner := &scriptedRunner{errs: []error{ErrStopped}}
	p, err := NewPoller(PollerOptions{
		Runner:   runner,
		Interval: 10 * time.Millisecond,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the engine stopped")
	}
	if got := len(runner.callTimes()); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
}

func TestPoller_RunReturnsOnContextCancel(t *testing.T) {
	runner := &scriptedRunner{}
	p, err := NewPoller(PollerOptions{
		Runner:   runner,
		Interval: time.Hour,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := len(runner.callTimes()); got != 0 {
		t.Errorf("passes = %d, want none before the first tick", got)
	}
}

func TestPoller_PollNowSerialisesWithItself(t *testing.T) {
	runner := &countingRunner{}
	p, err := NewPoller(PollerOptions{
		Runner:   runner,
		Interval: time.Hour,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.PollNow(context.Background()); err != nil {
				t.Errorf("PollNow() error = %v", err)
			}
		}()
	}
	wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.calls != 4 {
		t.Errorf("passes = %d, want 4", runner.calls)
	}
	if runner.maxSeen != 1 {
		t.Errorf("max concurrent passes = %d, want 1", runner.maxSeen)
	}
}

func TestNewPoller_Defaults(t *testing.T) {
	if _, err := NewPoller(PollerOptions{}); err == nil {
		t.Fatal("NewPoller() without a runner, want error")
	}

	p, err := NewPoller(PollerOptions{Runner: &scriptedRunner{}, Jitter: -1})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	if p.interval != defaultPollInterval {
		t.Errorf("interval = %v, want default %v", p.interval, defaultPollInterval)
	}
	if p.jitter != 0 {
		t.Errorf("jitter = %v, want negative input clamped to 0", p.jitter)
	}
}
