package panel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Kind is the variant of a panel element.
type Kind int

// Element kinds.
const (
	KindTurnout Kind = iota
	KindSignal
	KindSensor
	KindButton
	KindRoute
)

var kindNames = map[Kind]string{
	KindTurnout: "turnout",
	KindSignal:  "signal",
	KindSensor:  "sensor",
	KindButton:  "button",
	KindRoute:   "route",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the kind names and the short panel type codes
// ("T", "Si", "BM", "B", "RT").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "turnout", "t":
		return KindTurnout, nil
	case "signal", "si":
		return KindSignal, nil
	case "sensor", "bm":
		return KindSensor, nil
	case "button", "b":
		return KindButton, nil
	case "route", "rt":
		return KindRoute, nil
	}
	return KindTurnout, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Element states. Values are shared between kinds.
const (
	StateClosed = 0
	StateThrown = 1

	StateRed           = 0
	StateGreen         = 1
	StateYellow        = 2
	StateYellowFeather = 3
	StateSH1           = 3

	StateFree     = 0
	StateOccupied = 1

	StateReleased = 0
	StatePressed  = 1

	StateInactive = 0
	StateActive   = 1
)

// NoTrain is the train number of a sensor that is not tracking a train.
const NoTrain = 0

// Element is a turnout, signal, sensor, button or route bound to bus
// addresses.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - No method holds the element lock while writing to the registry.
type Element struct {
	kind      Kind
	addr      int
	secondary int
	bits      int

	mu      sync.RWMutex
	state   int
	locked  bool
	inRoute bool
	train   int
	updated time.Time

	reg *bus.Registry
}

// NewElement creates an element.
//
// Parameters:
//   - kind: Element variant
//   - addr: Primary extended address (10..9999)
//   - secondary: Secondary address, or sx.Invalid for none. A signal whose
//     secondary address is addr+1 spans two bits.
//
// Returns:
//   - *Element: The element in state 0 (closed, red, free, released, inactive)
//   - error: ErrInvalidAddress if an address is out of range
func NewElement(kind Kind, addr, secondary int) (*Element, error) {
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	if !sx.IsValidExtended(addr) {
		return nil, fmt.Errorf("%w: primary address %d", ErrInvalidAddress, addr)
	}
	if secondary != sx.Invalid && !sx.IsValidExtended(secondary) {
		return nil, fmt.Errorf("%w: secondary address %d", ErrInvalidAddress, secondary)
	}

	bits := 1
	if kind == KindSignal && secondary == addr+1 {
		if cb, ok := sx.Decompose(addr); ok && cb.Bit == sx.BitMax {
			return nil, fmt.Errorf("%w: two-bit signal %d cannot start at bit 8", ErrInvalidAddress, addr)
		}
		bits = 2
	}

	return &Element{
		kind:      kind,
		addr:      addr,
		secondary: secondary,
		bits:      bits,
		updated:   time.Now(),
	}, nil
}

// Kind returns the element variant.
func (e *Element) Kind() Kind { return e.kind }

// Address returns the primary address.
func (e *Element) Address() int { return e.addr }

// Secondary returns the secondary address, or sx.Invalid.
func (e *Element) Secondary() int { return e.secondary }

// Bits returns the number of significant state bits (1 or 2).
func (e *Element) Bits() int { return e.bits }

// Location returns the channel and bit of the primary address. ok is false
// for virtual-only elements.
func (e *Element) Location() (sx.ChannelBit, bool) {
	if e.kind == KindRoute {
		return sx.ChannelBit{Channel: sx.Invalid, Bit: sx.Invalid}, false
	}
	return sx.Decompose(e.addr)
}

// State returns the current state.
func (e *Element) State() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SetState updates the local state only.
func (e *Element) SetState(value int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != value {
		e.state = value
		e.updated = time.Now()
	}
	return e.state
}

// SetStateAndPush updates the state and writes it to the bus.
// Elements whose address has no channel and bit are updated locally only;
// pure virtual elements and routes store their state in the registry's
// virtual store instead.
func (e *Element) SetStateAndPush(value int) int {
	e.SetState(value)
	e.write(value, true)
	return value
}

// SetStateAndStage updates the state and the registry without forwarding
// to the bus driver. The caller pushes the returned channel later, which
// lets several elements on one channel share a single bus write.
//
// Returns:
//   - int: Channel that was modified
//   - bool: false when no channel was touched
func (e *Element) SetStateAndStage(value int) (int, bool) {
	e.SetState(value)
	return e.write(value, false)
}

func (e *Element) write(value int, propagate bool) (int, bool) {
	if e.reg == nil {
		return sx.Invalid, false
	}

	cb, ok := e.Location()
	if !ok {
		if e.kind == KindRoute || sx.IsPureVirtual(e.addr) {
			e.reg.SetVirtual(e.addr, value)
		}
		return sx.Invalid, false
	}

	switch {
	case e.bits == 2:
		e.reg.Update2Bit(cb.Channel, cb.Bit, value&sx.DataMax, propagate)
	case value == 0:
		e.reg.ClearBit(cb.Channel, cb.Bit, propagate)
	default:
		e.reg.SetBit(cb.Channel, cb.Bit, propagate)
	}
	return cb.Channel, true
}

// refresh recomputes the state from a raw channel value. A state that
// already encodes to the element's bits is kept, so a single-bit signal
// set to YELLOW by a route stays YELLOW while its bit is set.
func (e *Element) refresh(bit, raw int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var value int
	if e.bits == 2 {
		value = sx.Field2(raw, bit)
		if e.state&sx.DataMax == value {
			return
		}
	} else {
		value = (raw >> (bit - 1)) & 1
		if (e.state != 0) == (value == 1) {
			return
		}
	}
	e.state = value
	e.updated = time.Now()
}

// Locked reports whether a route holds the element.
func (e *Element) Locked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locked
}

// SetLocked sets or clears the lock flag.
func (e *Element) SetLocked(locked bool) {
	e.mu.Lock()
	e.locked = locked
	e.mu.Unlock()
}

// InRoute reports whether the element is part of an active route.
func (e *Element) InRoute() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inRoute
}

// SetInRoute sets the in-route flag. When the element has a secondary
// address the flag is also written to the registry's virtual store there;
// this never causes a bus write.
func (e *Element) SetInRoute(inRoute bool) {
	e.mu.Lock()
	e.inRoute = inRoute
	e.mu.Unlock()

	if e.reg != nil && e.secondary != sx.Invalid {
		v := 0
		if inRoute {
			v = 1
		}
		e.reg.SetVirtual(e.secondary, v)
	}
}

// Train returns the train number tracked by a sensor, or sx.Invalid for
// other kinds.
func (e *Element) Train() int {
	if e.kind != KindSensor {
		return sx.Invalid
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.train
}

// SetTrain sets the train number of a sensor. It reports false and does
// nothing for other kinds.
func (e *Element) SetTrain(train int) bool {
	if e.kind != KindSensor {
		return false
	}
	e.mu.Lock()
	e.train = train
	e.mu.Unlock()
	return true
}

// Info is a point-in-time copy of an element for display.
type Info struct {
	Address   int       `json:"address"`
	Secondary int       `json:"secondary,omitempty"`
	Kind      string    `json:"kind"`
	Bits      int       `json:"bits"`
	State     int       `json:"state"`
	Locked    bool      `json:"locked"`
	InRoute   bool      `json:"in_route"`
	Train     int       `json:"train,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Info returns a copy of the element's current fields.
func (e *Element) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info := Info{
		Address: e.addr,
		Kind:    e.kind.String(),
		Bits:    e.bits,
		State:   e.state,
		Locked:  e.locked,
		InRoute: e.inRoute,
		Updated: e.updated,
	}
	if e.secondary != sx.Invalid {
		info.Secondary = e.secondary
	}
	if e.kind == KindSensor {
		info.Train = e.train
	}
	return info
}
