package bus

import "errors"

// Domain errors for the bus registry and drivers.
var (
	// ErrNotConnected is returned by a driver that cannot reach the bus.
	ErrNotConnected = errors.New("bus: driver not connected")

	// ErrWriteRejected is returned by a driver that refused a write.
	ErrWriteRejected = errors.New("bus: write rejected")
)
