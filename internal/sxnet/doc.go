// Package sxnet implements the SXnet line protocol server.
//
// Every connection gets its own Session: a read loop that executes
// commands and a periodic broadcast task that pushes channel, power and
// connection changes to the client. Sessions share nothing but the bus
// registry and the route engine.
//
// # Protocol
//
// Lines are ASCII, keywords are case-insensitive and several commands may
// share a line separated by ";". Each command produces at most one
// response line:
//
//	READPOWER                      XPOWER <0|1>
//	SETPOWER <0|1>                 XPOWER <v>
//	SX|S|SETLOCO <channel> <byte>  OK | ERROR
//	R|READLOCO <channel>           X <channel> <value>
//	SET <addr> <0..3>              OK | ERROR
//	READ <addr>                    XL <addr> <0|1>
//	REQ <route> <0|1>              XL <route> <0|1> | ROUTE_INVALID | ERROR
//	QUIT                           (connection closes)
//
// Anything else answers ERROR. Unsolicited pushes are "X <channel> <value>",
// "XPOWER <v>" and "XCONN <0|1>", joined with ";" up to a soft line length.
//
// The transport is abstracted by LineConn, so the same session code runs
// over TCP and over WebSocket text frames.
package sxnet
