package sxi

import "errors"

// Domain errors for the SX interface client.
var (
	// ErrConnectionFailed is returned when the initial connection cannot be established.
	ErrConnectionFailed = errors.New("sxi: connection failed")

	// ErrNotConnected is returned when writing while the link is down.
	ErrNotConnected = errors.New("sxi: not connected")

	// ErrWriteFailed is returned when a line could not be written to the interface.
	ErrWriteFailed = errors.New("sxi: write failed")

	// ErrInvalidChannel is returned for a write outside the channel range.
	ErrInvalidChannel = errors.New("sxi: invalid channel")
)
