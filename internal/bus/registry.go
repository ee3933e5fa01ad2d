package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/sx4-core/internal/sx"
)

// Logger defines the logging interface used by the registry.
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

// ChangeKind identifies what a Change describes.
type ChangeKind int

const (
	// ChangeChannel is a channel value change.
	ChangeChannel ChangeKind = iota
	// ChangePower is a track power change.
	ChangePower
	// ChangeConnection is a bus connection status change.
	ChangeConnection
)

// Source identifies who caused a change.
type Source int

const (
	// SourceLocal is a write made inside this process.
	SourceLocal Source = iota
	// SourceBus is a change reported by the driver.
	SourceBus
)

// String returns "local" or "bus".
func (s Source) String() string {
	if s == SourceBus {
		return "bus"
	}
	return "local"
}

// Change describes one value transition. Channel is only meaningful for
// ChangeChannel.
type Change struct {
	Kind     ChangeKind
	Channel  int
	Value    int
	Previous int
	Source   Source
}

// Stats contains registry counters.
type Stats struct {
	Writes          uint64 `json:"writes"`
	ExternalUpdates uint64 `json:"external_updates"`
	DriverErrors    uint64 `json:"driver_errors"`
}

// cell holds one channel. Writers serialise on mu; readers load value
// without locking, so a read never observes a partial update.
type cell struct {
	mu    sync.Mutex
	value atomic.Int32
}

// Registry is the shared table of SX channel values, track power and bus
// connection status.
//
// Thread Safety:
//   - Every read is a single atomic load.
//   - Read-modify-write operations on one channel serialise on that
//     channel's lock, so concurrent bit writers never lose an update.
//   - Operations on different channels never block each other.
type Registry struct {
	cells [sx.ChannelCount]cell

	powerMu sync.Mutex
	power   atomic.Int32
	conn    atomic.Int32

	virtualMu sync.RWMutex
	virtual   map[int]int

	driverMu sync.RWMutex
	driver   Driver

	listenersMu sync.RWMutex
	listeners   map[int]func(Change)
	nextID      int

	loggerMu sync.RWMutex
	logger   Logger

	writes          atomic.Uint64
	externalUpdates atomic.Uint64
	driverErrors    atomic.Uint64
}

// NewRegistry creates a registry with every channel unknown, power off and
// the bus disconnected.
func NewRegistry() *Registry {
	r := &Registry{
		virtual:   make(map[int]int),
		listeners: make(map[int]func(Change)),
		logger:    noopLogger{},
	}
	for i := range r.cells {
		r.cells[i].value.Store(sx.Invalid)
	}
	r.conn.Store(sx.StatusDisconnected)
	return r
}

// SetLogger sets the logger for driver failures.
func (r *Registry) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

func (r *Registry) log() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Attach connects a driver. Writes with propagate=true are forwarded to it.
// If the driver implements Notifier it receives the registry as its Sink.
func (r *Registry) Attach(d Driver) {
	r.driverMu.Lock()
	r.driver = d
	r.driverMu.Unlock()

	if n, ok := d.(Notifier); ok {
		n.SetSink(r)
	}
}

func (r *Registry) currentDriver() Driver {
	r.driverMu.RLock()
	defer r.driverMu.RUnlock()
	return r.driver
}

// Subscribe registers fn for every change. fn runs synchronously on the
// goroutine that made the change, after the channel lock is released, and
// must not block.
//
// Returns:
//   - func(): Removes the subscription
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.listenersMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenersMu.Unlock()

	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

func (r *Registry) notify(c Change) {
	r.listenersMu.RLock()
	fns := make([]func(Change), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Get returns the value of a channel, or sx.Invalid if the channel is out of
// range or was never set.
func (r *Registry) Get(channel int) int {
	if !sx.IsValidChannel(channel) {
		return sx.Invalid
	}
	return int(r.cells[channel].value.Load())
}

// Snapshot returns the current value of every channel. Channels are read
// one by one, so the result is not a transactional snapshot.
func (r *Registry) Snapshot() []int {
	values := make([]int, sx.ChannelCount)
	for ch := range values {
		values[ch] = int(r.cells[ch].value.Load())
	}
	return values
}

// Update stores value in channel.
//
// Parameters:
//   - channel: SX channel 0..111
//   - value: byte 0..255
//   - propagate: forward the value to the bus driver
//
// Returns:
//   - int: The value acknowledged by the driver when propagating, otherwise
//     the stored value; sx.Invalid when channel or value is out of range
func (r *Registry) Update(channel, value int, propagate bool) int {
	if value < 0 || value > sx.ByteMax {
		return sx.Invalid
	}
	return r.modify(channel, propagate, func(int) int { return value })
}

// SetBit sets a 1-based bit of channel. An unknown channel value counts as 0.
func (r *Registry) SetBit(channel, bit int, propagate bool) int {
	if !sx.IsValidBit(bit) {
		return sx.Invalid
	}
	return r.modify(channel, propagate, func(old int) int { return sx.SetBit(old, bit) })
}

// ClearBit clears a 1-based bit of channel. An unknown channel value counts as 0.
func (r *Registry) ClearBit(channel, bit int, propagate bool) int {
	if !sx.IsValidBit(bit) {
		return sx.Invalid
	}
	return r.modify(channel, propagate, func(old int) int { return sx.ClearBit(old, bit) })
}

// Update2Bit replaces the 2-bit field of channel whose low bit is the
// 1-based bit. Other bits are unchanged.
func (r *Registry) Update2Bit(channel, bit, data int, propagate bool) int {
	if !sx.IsValidBit(bit) || data < sx.DataMin || data > sx.DataMax {
		return sx.Invalid
	}
	return r.modify(channel, propagate, func(old int) int { return sx.SetField2(old, bit, data) })
}

// modify performs a read-modify-write under the channel lock. Propagation
// happens under the same lock so writes to one channel reach the driver in
// the order they were applied.
func (r *Registry) modify(channel int, propagate bool, fn func(old int) int) int {
	if !sx.IsValidChannel(channel) {
		return sx.Invalid
	}

	c := &r.cells[channel]
	c.mu.Lock()
	previous := int(c.value.Load())
	base := previous
	if base == sx.Invalid {
		base = 0
	}
	value := fn(base)
	c.value.Store(int32(value)) //nolint:gosec // value is masked to 0..255
	result := value
	if propagate {
		result = r.propagate(channel, value)
	}
	c.mu.Unlock()

	r.writes.Add(1)
	if previous != value {
		r.notify(Change{Kind: ChangeChannel, Channel: channel, Value: value, Previous: previous, Source: SourceLocal})
	}
	return result
}

// Push forwards the current value of channel to the driver under the
// channel lock, so a concurrent bit write either lands before the push and
// is included, or after it. Values staged with propagate=false are sent
// this way in one bus write.
//
// Returns:
//   - int: The acknowledged value; sx.Invalid for an out-of-range or
//     never-set channel
func (r *Registry) Push(channel int) int {
	if !sx.IsValidChannel(channel) {
		return sx.Invalid
	}

	c := &r.cells[channel]
	c.mu.Lock()
	defer c.mu.Unlock()
	value := int(c.value.Load())
	if value == sx.Invalid {
		return sx.Invalid
	}
	r.writes.Add(1)
	return r.propagate(channel, value)
}

func (r *Registry) propagate(channel, value int) int {
	d := r.currentDriver()
	if d == nil {
		return value
	}
	ack, err := d.Write(channel, value)
	if err != nil {
		r.driverErrors.Add(1)
		r.log().Warn("bus write failed", "channel", channel, "value", value, "error", err)
		return value
	}
	return ack
}

// ApplyExternal stores a value reported by the bus without propagating it.
func (r *Registry) ApplyExternal(channel, value int) {
	if !sx.IsValidChannel(channel) || value < 0 || value > sx.ByteMax {
		return
	}

	c := &r.cells[channel]
	c.mu.Lock()
	previous := int(c.value.Swap(int32(value))) //nolint:gosec // checked above
	c.mu.Unlock()

	r.externalUpdates.Add(1)
	if previous != value {
		r.notify(Change{Kind: ChangeChannel, Channel: channel, Value: value, Previous: previous, Source: SourceBus})
	}
}

// Power returns the track power state.
func (r *Registry) Power() int {
	return int(r.power.Load())
}

// SetPower sets the track power state.
//
// Returns:
//   - int: The value acknowledged by the driver when propagating, otherwise
//     the stored value
func (r *Registry) SetPower(value int, propagate bool) int {
	r.powerMu.Lock()
	previous := int(r.power.Swap(int32(value))) //nolint:gosec // power is 0 or 1
	result := value
	if propagate {
		if d := r.currentDriver(); d != nil {
			ack, err := d.SetPower(value)
			if err != nil {
				r.driverErrors.Add(1)
				r.log().Warn("bus power write failed", "value", value, "error", err)
			} else {
				result = ack
			}
		}
	}
	r.powerMu.Unlock()

	if previous != value {
		r.notify(Change{Kind: ChangePower, Channel: sx.Invalid, Value: value, Previous: previous, Source: SourceLocal})
	}
	return result
}

// ApplyExternalPower stores a power state reported by the bus.
func (r *Registry) ApplyExternalPower(value int) {
	r.powerMu.Lock()
	previous := int(r.power.Swap(int32(value))) //nolint:gosec // power is 0 or 1
	r.powerMu.Unlock()

	if previous != value {
		r.notify(Change{Kind: ChangePower, Channel: sx.Invalid, Value: value, Previous: previous, Source: SourceBus})
	}
}

// ConnectionStatus returns sx.StatusConnected or sx.StatusDisconnected.
func (r *Registry) ConnectionStatus() int {
	return int(r.conn.Load())
}

// SetConnectionStatus records the bus connection status.
func (r *Registry) SetConnectionStatus(status int) {
	previous := int(r.conn.Swap(int32(status))) //nolint:gosec // status is 0 or 1
	if previous != status {
		r.notify(Change{Kind: ChangeConnection, Channel: sx.Invalid, Value: status, Previous: previous, Source: SourceBus})
	}
}

// SetVirtual stores the state of an address that has no physical channel,
// such as a route or a sensor's in-route flag.
func (r *Registry) SetVirtual(addr, value int) {
	r.virtualMu.Lock()
	r.virtual[addr] = value
	r.virtualMu.Unlock()
}

// Virtual returns the state stored for addr by SetVirtual.
func (r *Registry) Virtual(addr int) (int, bool) {
	r.virtualMu.RLock()
	defer r.virtualMu.RUnlock()
	v, ok := r.virtual[addr]
	return v, ok
}

// Stats returns a copy of the registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Writes:          r.writes.Load(),
		ExternalUpdates: r.externalUpdates.Load(),
		DriverErrors:    r.driverErrors.Load(),
	}
}
