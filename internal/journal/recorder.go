package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sx4-core/internal/route"
)

const (
	// defaultQueueSize bounds the events waiting to be written.
	defaultQueueSize = 256

	// writeTimeout bounds a single insert.
	writeTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes route engine events to a Repository from a single
// background worker.
type Recorder struct {
	repo  Repository
	queue chan route.Event

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	logger Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a recorder. A non-positive queueSize uses 256.
func NewRecorder(repo Repository, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan route.Event, queueSize),
		done:   make(chan struct{}),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Call before Start.
func (r *Recorder) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Attach subscribes the recorder to an engine's events.
//
// Returns:
//   - func(): Removes the subscription
func (r *Recorder) Attach(engine *route.Engine) func() {
	return engine.Subscribe(r.Record)
}

// Record enqueues an event without blocking. The event is dropped when the
// queue is full or the recorder has stopped.
func (r *Recorder) Record(ev route.Event) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("route journal queue full, event dropped", "route", ev.Route, "kind", ev.Kind)
	}
}

// Start launches the writer. Calling Start more than once has no effect.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run(ctx)
	})
}

// Stop writes the events already queued and waits for the worker.
// Safe to call multiple times.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return
		case <-r.done:
			r.drain(ctx)
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev route.Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	entry := EntryFromEvent(ev)
	if err := r.repo.Create(ctx, &entry); err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to record route event", "route", ev.Route, "kind", ev.Kind, "error", err)
		return
	}
	r.written.Add(1)
}

// EntryFromEvent converts an engine event into a journal entry.
func EntryFromEvent(ev route.Event) Entry {
	return Entry{
		RouteAddress: ev.Route,
		Action:       string(ev.Kind),
		Automatic:    ev.Automatic,
		Train:        ev.Train,
		Cause:        ev.Cause,
		Reason:       ev.Reason,
		CreatedAt:    ev.At,
	}
}

// Stats contains recorder counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Queued:  len(r.queue),
	}
}
