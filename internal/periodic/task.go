package periodic

import (
	"context"
	"sync"
	"time"
)

// Task runs a function on a fixed period after an initial delay until it
// is stopped or its context is cancelled.
//
// A tick that overruns the period delays the next one; ticks never overlap.
type Task struct {
	initialDelay time.Duration
	interval     time.Duration
	fn           func(ctx context.Context)

	mu      sync.Mutex
	started bool

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a task. A non-positive interval is replaced by one second.
//
// Parameters:
//   - initialDelay: Wait before the first run (zero runs immediately)
//   - interval: Period between runs
//   - fn: Work to run; receives the context passed to Start
func New(initialDelay, interval time.Duration, fn func(ctx context.Context)) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	return &Task{
		initialDelay: initialDelay,
		interval:     interval,
		fn:           fn,
		done:         make(chan struct{}),
	}
}

// Start launches the task. Calling Start more than once has no effect.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop cancels the task and waits for a running tick to finish.
// Safe to call multiple times and before Start.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

// Done is closed once Stop has been called.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) loop(ctx context.Context) {
	defer t.wg.Done()

	if t.initialDelay > 0 {
		timer := time.NewTimer(t.initialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-t.done:
		return
	default:
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}
