// Package bus holds the shared SX bus state.
//
// The Registry stores 112 channel values, the track power state and the bus
// connection status. Session handlers, the route engine and the bus driver
// all write to it concurrently. Each channel is an atomic cell guarded by
// its own lock for read-modify-write operations; there is no global lock.
//
// Extended addresses without a physical channel keep their state in the
// registry's virtual store (SetVirtual, Virtual).
//
// A Driver forwards propagated writes to the physical bus. Drivers that
// observe the bus implement Notifier and report changes through the Sink
// interface, which the Registry implements. Simulator is an in-process
// driver used for tests and hardware-free operation.
package bus
