package route

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// SignalSpec configures one signal of a route.
type SignalSpec struct {
	Address int `yaml:"address" json:"address"`
	Aspect  int `yaml:"aspect" json:"aspect"`

	// DependsOn is the address of the next signal, or sx.Invalid. A GREEN
	// aspect is downgraded to YELLOW while that signal shows RED.
	DependsOn int `yaml:"depends_on" json:"depends_on,omitempty"`
}

// TurnoutSpec configures one turnout of a route.
type TurnoutSpec struct {
	Address  int `yaml:"address" json:"address"`
	Position int `yaml:"position" json:"position"`
}

// Definition describes a route before it is bound to panel elements.
type Definition struct {
	Address int
	// Sensors in travel order: the first is the start, the last the end.
	Sensors  []int
	Signals  []SignalSpec
	Turnouts []TurnoutSpec
	// Offending lists routes that conflict without sharing a turnout,
	// such as crossings.
	Offending []int
}

type signalTarget struct {
	signal    *panel.Element
	aspect    int
	dependsOn int
}

type turnoutTarget struct {
	turnout  *panel.Element
	position int
}

// Route is a set of signals, turnouts and sensors that is reserved and
// released as a unit.
//
// The base panel element carries the route's address and its state
// (panel.StateInactive or panel.StateActive).
type Route struct {
	base     *panel.Element
	sensors  []*panel.Element
	signals  []signalTarget
	turnouts []turnoutTarget

	configuredOffending []int

	engine *Engine

	// guarded by engine.mu
	offending []*Route
	deadline  time.Time
	automatic bool
}

// Address returns the route address.
func (r *Route) Address() int {
	return r.base.Address()
}

// Element returns the panel element that carries the route state.
func (r *Route) Element() *panel.Element {
	return r.base
}

// Active reports whether the route is set.
func (r *Route) Active() bool {
	return r.base.State() == panel.StateActive
}

// StartSensor returns the first sensor.
func (r *Route) StartSensor() *panel.Element {
	return r.sensors[0]
}

// EndSensor returns the last sensor.
func (r *Route) EndSensor() *panel.Element {
	return r.sensors[len(r.sensors)-1]
}

// Locked reports whether any signal or turnout of the route is locked.
func (r *Route) Locked() bool {
	return len(r.lockedElements()) > 0
}

func (r *Route) lockedElements() []int {
	var locked []int
	for _, s := range r.signals {
		if s.signal.Locked() {
			locked = append(locked, s.signal.Address())
		}
	}
	for _, t := range r.turnouts {
		if t.turnout.Locked() {
			locked = append(locked, t.turnout.Address())
		}
	}
	return locked
}

// IsFree reports whether every sensor of the route is free.
func (r *Route) IsFree() bool {
	for _, s := range r.sensors {
		if s.State() != panel.StateFree {
			return false
		}
	}
	return true
}

// IsFreeExceptStart reports whether every sensor after the start is free.
func (r *Route) IsFreeExceptStart() bool {
	for _, s := range r.sensors[1:] {
		if s.State() != panel.StateFree {
			return false
		}
	}
	return true
}

// aspectFor returns the aspect a signal should show now.
func (r *Route) aspectFor(t signalTarget) int {
	if t.dependsOn == sx.Invalid || t.aspect != panel.StateGreen {
		return t.aspect
	}
	next, ok := r.engine.layout.Get(t.dependsOn)
	if ok && next.State() == panel.StateRed {
		return panel.StateYellow
	}
	return t.aspect
}

// shows reports whether a signal already displays aspect as far as its
// bus bits can express it.
func shows(signal *panel.Element, aspect int) bool {
	current := signal.State()
	if signal.Bits() == 1 {
		return (current != 0) == (aspect != 0)
	}
	return current == aspect
}

func (r *Route) addOffending(other *Route) {
	for _, o := range r.offending {
		if o == other {
			return
		}
	}
	r.offending = append(r.offending, other)
}

func (r *Route) activeOffending() *Route {
	for _, o := range r.offending {
		if o.Active() {
			return o
		}
	}
	return nil
}

// set applies the route and returns the train number it was set for.
// Must be called with engine.mu held.
func (r *Route) set(automatic bool, train int) (int, error) {
	if train == panel.NoTrain {
		train = r.StartSensor().Train()
	}

	if automatic {
		if locked := r.lockedElements(); len(locked) > 0 {
			return train, fmt.Errorf("%w: %s", ErrElementLocked, joinInts(locked))
		}
		if o := r.activeOffending(); o != nil {
			return train, fmt.Errorf("%w: %d", ErrOffendingActive, o.Address())
		}
		if !r.IsFreeExceptStart() {
			return train, ErrPathOccupied
		}
	}

	r.automatic = automatic

	for _, s := range r.sensors {
		s.SetInRoute(true)
	}
	for _, s := range r.sensors {
		if s.State() == panel.StateFree {
			s.SetTrain(train)
		}
	}

	touched := make(channelSet)
	for _, t := range r.signals {
		touched.add(t.signal.SetStateAndStage(r.aspectFor(t)))
		t.signal.SetLocked(true)
	}
	for _, t := range r.turnouts {
		touched.add(t.turnout.SetStateAndStage(t.position))
		t.turnout.SetLocked(true)
	}
	r.engine.push(touched)

	if automatic {
		r.deadline = time.Time{}
	} else {
		r.deadline = r.engine.now().Add(r.engine.opts.AutoClearDelay)
	}

	r.base.SetStateAndPush(panel.StateActive)
	return train, nil
}

// clear releases the route. Must be called with engine.mu held.
func (r *Route) clear() {
	r.deadline = time.Time{}

	last := len(r.sensors) - 1
	for i, s := range r.sensors {
		s.SetInRoute(false)
		if i != last {
			s.SetTrain(panel.NoTrain)
		}
	}

	touched := make(channelSet)
	for _, t := range r.signals {
		touched.add(t.signal.SetStateAndStage(panel.StateRed))
		t.signal.SetLocked(false)
	}
	for _, t := range r.turnouts {
		t.turnout.SetLocked(false)
	}
	r.engine.push(touched)

	r.base.SetStateAndPush(panel.StateInactive)
}

// updateDependencies reapplies signals whose aspect depends on another
// signal. Must be called with engine.mu held.
func (r *Route) updateDependencies() {
	touched := make(channelSet)
	for _, t := range r.signals {
		if t.dependsOn == sx.Invalid {
			continue
		}
		aspect := r.aspectFor(t)
		if !shows(t.signal, aspect) {
			touched.add(t.signal.SetStateAndStage(aspect))
		}
	}
	r.engine.push(touched)
}

// Info is a point-in-time description of a route.
type Info struct {
	Address   int           `json:"address"`
	Active    bool          `json:"active"`
	Automatic bool          `json:"automatic"`
	Locked    bool          `json:"locked"`
	Deadline  *time.Time    `json:"deadline,omitempty"`
	Sensors   []int         `json:"sensors"`
	Signals   []SignalSpec  `json:"signals"`
	Turnouts  []TurnoutSpec `json:"turnouts"`
	Offending []int         `json:"offending"`
}

// channelSet collects channels touched while applying a route.
type channelSet map[int]struct{}

func (s channelSet) add(channel int, ok bool) {
	if ok {
		s[channel] = struct{}{}
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
