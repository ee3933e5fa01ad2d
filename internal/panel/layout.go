package panel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Layout is the index of all panel elements by primary address.
//
// Elements are added once during startup. After Attach, every channel
// change reported by the registry refreshes the elements bound to that
// channel.
type Layout struct {
	reg *bus.Registry

	mu     sync.RWMutex
	byAddr map[int]*Element
	sorted []*Element

	unsubscribe func()
}

// NewLayout creates an empty layout bound to reg.
func NewLayout(reg *bus.Registry) *Layout {
	return &Layout{
		reg:    reg,
		byAddr: make(map[int]*Element),
	}
}

// Registry returns the registry the layout writes to.
func (l *Layout) Registry() *bus.Registry {
	return l.reg
}

// Add indexes an element and binds it to the registry.
//
// Returns:
//   - error: ErrDuplicateAddress if another element has the same primary address
func (l *Layout) Add(e *Element) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byAddr[e.addr]; ok {
		return fmt.Errorf("%w: %d (%s and %s)", ErrDuplicateAddress, e.addr, existing.kind, e.kind)
	}

	e.reg = l.reg
	l.byAddr[e.addr] = e

	i := sort.Search(len(l.sorted), func(i int) bool { return l.sorted[i].addr > e.addr })
	l.sorted = append(l.sorted, nil)
	copy(l.sorted[i+1:], l.sorted[i:])
	l.sorted[i] = e
	return nil
}

// Get returns the element with the given primary address.
func (l *Layout) Get(addr int) (*Element, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byAddr[addr]
	return e, ok
}

// Len returns the number of elements.
func (l *Layout) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sorted)
}

// Elements returns all elements ordered by address.
func (l *Layout) Elements() []*Element {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Element, len(l.sorted))
	copy(out, l.sorted)
	return out
}

// ByKind returns the elements of one kind ordered by address.
func (l *Layout) ByKind(kind Kind) []*Element {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Element
	for _, e := range l.sorted {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// RefreshFromChannel recomputes the state of every element whose primary
// address lies on channel from the raw channel value.
//
// Returns:
//   - int: Number of elements refreshed
func (l *Layout) RefreshFromChannel(channel, raw int) int {
	if !sx.IsValidChannel(channel) || raw < 0 {
		return 0
	}

	count := 0
	for bit := sx.BitMin; bit <= sx.BitMax; bit++ {
		e, ok := l.Get(sx.Compose(channel, bit))
		if !ok || e.kind == KindRoute {
			continue
		}
		e.refresh(bit, raw)
		count++
	}
	return count
}

// Attach refreshes every element from the registry's current values and
// keeps them in step with later channel changes. The current value is
// re-read on each change so a late notification never applies a stale value.
func (l *Layout) Attach() {
	l.Detach()

	unsubscribe := l.reg.Subscribe(func(c bus.Change) {
		if c.Kind != bus.ChangeChannel {
			return
		}
		l.RefreshFromChannel(c.Channel, l.reg.Get(c.Channel))
	})

	l.mu.Lock()
	l.unsubscribe = unsubscribe
	l.mu.Unlock()

	for ch := sx.ChannelMin; ch <= sx.ChannelMax; ch++ {
		l.RefreshFromChannel(ch, l.reg.Get(ch))
	}
}

// Detach stops following registry changes.
func (l *Layout) Detach() {
	l.mu.Lock()
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// sensor returns the sensor at addr.
func (l *Layout) sensor(addr int) (*Element, bool) {
	e, ok := l.Get(addr)
	if !ok || e.kind != KindSensor {
		return nil, false
	}
	return e, true
}

// SetTrain sets the train number of the sensor at addr. It reports false
// when addr is not a sensor.
func (l *Layout) SetTrain(addr, train int) bool {
	e, ok := l.sensor(addr)
	if !ok {
		return false
	}
	return e.SetTrain(train)
}

// Train returns the train number of the sensor at addr, or sx.Invalid when
// addr is not a sensor.
func (l *Layout) Train(addr int) int {
	e, ok := l.sensor(addr)
	if !ok {
		return sx.Invalid
	}
	return e.Train()
}

// IsSensorOccupied reports whether the sensor at addr is occupied. Unknown
// addresses are reported free.
func (l *Layout) IsSensorOccupied(addr int) bool {
	e, ok := l.sensor(addr)
	return ok && e.State() == StateOccupied
}

// IsLocked reports whether the element at addr is locked. Unknown
// addresses are reported unlocked.
func (l *Layout) IsLocked(addr int) bool {
	e, ok := l.Get(addr)
	return ok && e.Locked()
}

// UnlockAll clears every lock flag. Used to recover after an abnormal
// restart left routes half set.
//
// Returns:
//   - int: Number of elements that were locked
func (l *Layout) UnlockAll() int {
	count := 0
	for _, e := range l.Elements() {
		if e.Locked() {
			e.SetLocked(false)
			count++
		}
	}
	return count
}
