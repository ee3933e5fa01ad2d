package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/sx4-core/internal/sx"
)

// Simulator is an in-process Driver that acknowledges every write unchanged.
// Inject delivers bus-side changes the way a real interface would, which
// makes it the driver of choice for tests and for running without hardware.
type Simulator struct {
	mu   sync.RWMutex
	sink Sink
	fail error

	writes atomic.Uint64
}

// NewSimulator creates a connected simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// SetSink implements Notifier and reports the simulator as connected.
func (s *Simulator) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()

	if sink != nil {
		sink.SetConnectionStatus(sx.StatusConnected)
	}
}

// SetFailure makes subsequent writes fail with err. A nil err restores
// normal operation.
func (s *Simulator) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Write implements Driver.
func (s *Simulator) Write(_, value int) (int, error) {
	s.mu.RLock()
	fail := s.fail
	s.mu.RUnlock()
	if fail != nil {
		return sx.Invalid, fail
	}
	s.writes.Add(1)
	return value, nil
}

// SetPower implements Driver.
func (s *Simulator) SetPower(value int) (int, error) {
	return s.Write(sx.Invalid, value)
}

// IsConnected implements Driver.
func (s *Simulator) IsConnected() bool {
	return true
}

// Writes returns how many writes were acknowledged.
func (s *Simulator) Writes() uint64 {
	return s.writes.Load()
}

// Inject reports a channel change as if it came from the bus.
func (s *Simulator) Inject(channel, value int) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.ApplyExternal(channel, value)
	}
}

// InjectPower reports a power change as if it came from the bus.
func (s *Simulator) InjectPower(value int) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.ApplyExternalPower(value)
	}
}
