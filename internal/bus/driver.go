package bus

// Driver is the collaborator that talks to the physical SX bus.
//
// Write and SetPower forward a value to the bus and return the value the bus
// acknowledged. Implementations must be safe for concurrent use; the
// registry serialises writes per channel but not across channels.
type Driver interface {
	Write(channel, value int) (int, error)
	SetPower(value int) (int, error)
	IsConnected() bool
}

// Sink receives asynchronous events from a driver. *Registry implements it.
type Sink interface {
	ApplyExternal(channel, value int)
	ApplyExternalPower(value int)
	SetConnectionStatus(status int)
}

// Notifier is implemented by drivers that deliver bus-side changes.
// Registry.Attach hands the registry to SetSink.
type Notifier interface {
	SetSink(sink Sink)
}
