// Package sx implements SX bus address translation.
//
// Three addressing schemes meet here:
//
//   - Channels: 0..111, each holding one byte.
//   - Channel bits: bit 1..8 of a channel, bit 1 being the least significant.
//   - Extended addresses: 10..9999. Below 1120 an extended address encodes
//     channel*10+bit; from 1120 upwards it is pure virtual and has no
//     physical backing.
//
// All functions are pure. Parse functions never panic; they return Invalid
// together with an error wrapping one of the package sentinels.
package sx
