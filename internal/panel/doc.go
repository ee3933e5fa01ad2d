// Package panel models the elements of a layout control panel.
//
// An Element is a turnout, signal, sensor, button or route bound to an
// extended address. Elements with an address that decomposes into a channel
// and bit mirror one bit (or two consecutive bits for four-aspect signals)
// of the bus registry; all other elements are virtual.
//
// The Layout indexes elements by primary address, rejects duplicates and
// refreshes element state whenever the registry reports a channel change.
//
// Element states:
//
//	turnout  0=closed 1=thrown
//	signal   0=red 1=green 2=yellow 3=yellow-feather/SH1
//	sensor   0=free 1=occupied (plus a train number)
//	button   0=released 1=pressed
//	route    0=inactive 1=active
package panel
