// Package sxi drives a physical SX bus through an upstream interface that
// speaks the SXnet line protocol over TCP.
//
// The Client implements bus.Driver and bus.Notifier. Writes leave as
// "SX <ch> <v>" and "SETPOWER <v>" lines. Pushed "X", "XPOWER" and "XCONN"
// lines (possibly joined with ";") are delivered to the registry as
// bus-side changes.
//
// After every successful connect the client asks the interface for the
// power state and every channel so the registry is brought back in step
// with the bus. A lost connection is retried with exponential backoff
// until Close is called; the registry sees the connection status drop to
// 0 while the link is down.
//
// HealthReporter publishes the client's counters on MQTT at a fixed
// interval.
package sxi
