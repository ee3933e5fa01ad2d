package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/periodic"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Default timing.
const (
	DefaultAutoClearDelay = 30 * time.Second
	DefaultClearSoonDelay = 3 * time.Second
)

// Logger defines the logging interface used by the engine.
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

// Options configures an Engine.
type Options struct {
	// AutoClearDelay is how long a manually set route stays active.
	AutoClearDelay time.Duration

	// ClearSoonDelay is the deadline applied by ClearSoon.
	ClearSoonDelay time.Duration

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// EventKind names a route lifecycle event.
type EventKind string

// Route events.
const (
	EventSet    EventKind = "set"
	EventClear  EventKind = "clear"
	EventReject EventKind = "reject"
)

// Clear causes reported in Event.Cause.
const (
	CauseRequest   = "request"
	CauseEndSensor = "end_sensor"
	CauseTimeout   = "timeout"
)

// Event describes a route being set, cleared or rejected.
type Event struct {
	Route     int       `json:"route"`
	Kind      EventKind `json:"kind"`
	Automatic bool      `json:"automatic"`
	Train     int       `json:"train,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Engine owns all routes of a layout and serialises every operation on
// them, so checks and the writes they guard happen as one step.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event listeners run after the engine lock is released.
type Engine struct {
	layout *panel.Layout
	reg    *bus.Registry
	opts   Options

	mu     sync.Mutex
	routes map[int]*Route
	order  []*Route

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEngine creates an engine for the routes of layout.
func NewEngine(layout *panel.Layout, opts Options) *Engine {
	if opts.AutoClearDelay <= 0 {
		opts.AutoClearDelay = DefaultAutoClearDelay
	}
	if opts.ClearSoonDelay <= 0 {
		opts.ClearSoonDelay = DefaultClearSoonDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		layout:    layout,
		reg:       layout.Registry(),
		opts:      opts,
		routes:    make(map[int]*Route),
		listeners: make(map[int]func(Event)),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for route decisions.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	defer e.loggerMu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	e.logger = logger
}

func (e *Engine) log() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

// Add binds a route definition to the layout's elements and registers it.
// The route's own address is added to the layout as a route element, so it
// must not collide with any other element.
//
// Returns:
//   - *Route: The inactive route
//   - error: ErrInvalidRoute for unresolvable references,
//     panel.ErrDuplicateAddress for an address collision
func (e *Engine) Add(def Definition) (*Route, error) {
	if len(def.Sensors) == 0 {
		return nil, fmt.Errorf("%w: route %d has no sensors", ErrInvalidRoute, def.Address)
	}

	base, err := panel.NewElement(panel.KindRoute, def.Address, sx.Invalid)
	if err != nil {
		return nil, fmt.Errorf("route %d: %w", def.Address, err)
	}

	r := &Route{
		base:                base,
		configuredOffending: append([]int(nil), def.Offending...),
		engine:              e,
	}

	for _, addr := range def.Sensors {
		el, err := e.element(addr, panel.KindSensor)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", def.Address, err)
		}
		r.sensors = append(r.sensors, el)
	}
	for _, t := range def.Signals {
		el, err := e.element(t.Address, panel.KindSignal)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", def.Address, err)
		}
		if t.Aspect < panel.StateRed || t.Aspect > panel.StateYellowFeather {
			return nil, fmt.Errorf("%w: route %d signal %d aspect %d", ErrInvalidRoute, def.Address, t.Address, t.Aspect)
		}
		dependsOn := t.DependsOn
		if dependsOn == 0 {
			dependsOn = sx.Invalid
		}
		r.signals = append(r.signals, signalTarget{signal: el, aspect: t.Aspect, dependsOn: dependsOn})
	}
	for _, t := range def.Turnouts {
		el, err := e.element(t.Address, panel.KindTurnout)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", def.Address, err)
		}
		if t.Position != panel.StateClosed && t.Position != panel.StateThrown {
			return nil, fmt.Errorf("%w: route %d turnout %d position %d", ErrInvalidRoute, def.Address, t.Address, t.Position)
		}
		r.turnouts = append(r.turnouts, turnoutTarget{turnout: el, position: t.Position})
	}

	if err := e.layout.Add(base); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.routes[def.Address] = r
	e.order = append(e.order, r)
	sort.Slice(e.order, func(i, j int) bool { return e.order[i].Address() < e.order[j].Address() })
	e.mu.Unlock()

	return r, nil
}

func (e *Engine) element(addr int, kind panel.Kind) (*panel.Element, error) {
	el, ok := e.layout.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s %d not found", ErrInvalidRoute, kind, addr)
	}
	if el.Kind() != kind {
		return nil, fmt.Errorf("%w: element %d is a %s, not a %s", ErrInvalidRoute, addr, el.Kind(), kind)
	}
	return el, nil
}

// Get returns the route with the given address.
func (e *Engine) Get(addr int) (*Route, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routes[addr]
	return r, ok
}

// Routes returns all routes ordered by address.
func (e *Engine) Routes() []*Route {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Route, len(e.order))
	copy(out, e.order)
	return out
}

// CalcOffendingRoutes records, for every ordered pair of distinct routes,
// whether they set a shared turnout to different positions. Both routes
// of such a pair end up listing each other. Configured offending routes are
// merged in. Calling it again adds no duplicates.
func (e *Engine) CalcOffendingRoutes() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.order {
		for _, t := range r.turnouts {
			for _, other := range e.order {
				if other == r {
					continue
				}
				for _, t2 := range other.turnouts {
					if t.turnout == t2.turnout && t.position != t2.position {
						r.addOffending(other)
						break
					}
				}
			}
		}
		for _, addr := range r.configuredOffending {
			if other, ok := e.routes[addr]; ok && other != r {
				r.addOffending(other)
			} else if !ok {
				e.log().Warn("configured offending route not found", "route", r.Address(), "offending", addr)
			}
		}
	}
}

// Set sets the route at addr. See (*Route).Set.
func (e *Engine) Set(addr int, automatic bool, train int) error {
	r, ok := e.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRoute, addr)
	}
	return r.Set(automatic, train)
}

// Clear clears the route at addr.
func (e *Engine) Clear(addr int) error {
	r, ok := e.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRoute, addr)
	}
	r.Clear()
	return nil
}

// ClearSoon shortens the deadline of the route at addr.
func (e *Engine) ClearSoon(addr int) error {
	r, ok := e.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRoute, addr)
	}
	return r.ClearSoon()
}

// Set reserves the route: signals and turnouts are set and locked, sensors
// are marked in-route and take over the train number.
//
// Automatic requests are checked first; a rejected request changes nothing.
// Manual requests are never rejected and arm the auto-clear deadline.
// Setting an active route again repeats the whole procedure.
//
// Parameters:
//   - automatic: true when requested by a timetable rather than an operator
//   - train: train number, or panel.NoTrain to take the start sensor's
//
// Returns:
//   - error: ErrElementLocked, ErrOffendingActive or ErrPathOccupied
func (r *Route) Set(automatic bool, train int) error {
	e := r.engine

	e.mu.Lock()
	train, err := r.set(automatic, train)
	ev := Event{Route: r.Address(), Automatic: automatic, Train: train, At: e.now()}
	if err != nil {
		ev.Kind = EventReject
		ev.Reason = err.Error()
	} else {
		ev.Kind = EventSet
		ev.Cause = CauseRequest
	}
	e.mu.Unlock()

	if err != nil {
		e.log().Info("route rejected", "route", r.Address(), "automatic", automatic, "reason", err.Error())
	} else {
		e.log().Debug("route set", "route", r.Address(), "automatic", automatic, "train", ev.Train)
	}
	e.emit(ev)
	return err
}

// Clear releases the route: signals go to RED, every element is unlocked
// and the in-route flags are removed. The last sensor keeps its train
// number for the next route.
func (r *Route) Clear() {
	e := r.engine

	e.mu.Lock()
	automatic := r.automatic
	r.clear()
	e.mu.Unlock()

	e.log().Debug("route cleared", "route", r.Address(), "cause", CauseRequest)
	e.emit(Event{Route: r.Address(), Kind: EventClear, Automatic: automatic, Cause: CauseRequest, At: e.now()})
}

// ClearSoon moves the deadline of an active route to now plus the
// clear-soon delay.
//
// Returns:
//   - error: ErrNotActive if the route is not set
func (r *Route) ClearSoon() error {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if !r.Active() {
		return fmt.Errorf("%w: %d", ErrNotActive, r.Address())
	}
	r.deadline = e.now().Add(e.opts.ClearSoonDelay)
	return nil
}

// Deadline returns when the route will be cleared by timeout. The zero
// time means never.
func (r *Route) Deadline() time.Time {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.deadline
}

// Automatic reports whether the route was last set automatically.
func (r *Route) Automatic() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.automatic
}

// Offending returns the addresses of conflicting routes.
func (r *Route) Offending() []int {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	out := make([]int, len(r.offending))
	for i, o := range r.offending {
		out[i] = o.Address()
	}
	return out
}

// Info returns a description of the route.
func (r *Route) Info() Info {
	info := Info{
		Address:   r.Address(),
		Active:    r.Active(),
		Locked:    r.Locked(),
		Automatic: r.Automatic(),
		Offending: r.Offending(),
		Sensors:   make([]int, len(r.sensors)),
		Signals:   make([]SignalSpec, len(r.signals)),
		Turnouts:  make([]TurnoutSpec, len(r.turnouts)),
	}
	if d := r.Deadline(); !d.IsZero() {
		info.Deadline = &d
	}
	for i, s := range r.sensors {
		info.Sensors[i] = s.Address()
	}
	for i, s := range r.signals {
		sig := SignalSpec{Address: s.signal.Address(), Aspect: s.aspect}
		if s.dependsOn != sx.Invalid {
			sig.DependsOn = s.dependsOn
		}
		info.Signals[i] = sig
	}
	for i, t := range r.turnouts {
		info.Turnouts[i] = TurnoutSpec{Address: t.turnout.Address(), Position: t.position}
	}
	return info
}

// Auto is the periodic sweep over active routes. An automatic route whose
// end sensor is occupied is cleared; any route past its deadline is
// cleared; routes that stay active get their dependent signals reapplied.
func (e *Engine) Auto() {
	var events []Event

	e.mu.Lock()
	now := e.now()
	for _, r := range e.order {
		if !r.Active() {
			continue
		}

		cause := ""
		switch {
		case r.automatic && r.EndSensor().State() == panel.StateOccupied:
			cause = CauseEndSensor
		case !r.deadline.IsZero() && !now.Before(r.deadline):
			cause = CauseTimeout
		}
		if cause != "" {
			automatic := r.automatic
			r.clear()
			events = append(events, Event{Route: r.Address(), Kind: EventClear, Automatic: automatic, Cause: cause, At: now})
			continue
		}

		r.updateDependencies()
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.log().Debug("route cleared", "route", ev.Route, "cause", ev.Cause)
		e.emit(ev)
	}
}

// SweepTask returns a periodic task that runs Auto every interval.
func (e *Engine) SweepTask(interval time.Duration) *periodic.Task {
	return periodic.New(0, interval, func(context.Context) {
		e.Auto()
	})
}

// push issues one propagated registry write per touched channel, in
// channel order, with the channel's current (already staged) value.
func (e *Engine) push(channels channelSet) {
	if len(channels) == 0 {
		return
	}
	ordered := make([]int, 0, len(channels))
	for ch := range channels {
		ordered = append(ordered, ch)
	}
	sort.Ints(ordered)
	for _, ch := range ordered {
		e.reg.Push(ch)
	}
}

// Subscribe registers fn for route events.
//
// Returns:
//   - func(): Removes the subscription
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// IsRejection reports whether err is one of the precondition failures of
// an automatic set.
func IsRejection(err error) bool {
	return errors.Is(err, ErrElementLocked) || errors.Is(err, ErrOffendingActive) || errors.Is(err, ErrPathOccupied)
}
