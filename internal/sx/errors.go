package sx

import "errors"

// Domain errors for SX address and value parsing.
var (
	// ErrInvalidByte is returned when a value is not an integer in [0,255].
	ErrInvalidByte = errors.New("sx: invalid byte value")

	// ErrInvalidChannel is returned when a channel is not in [0,111].
	ErrInvalidChannel = errors.New("sx: invalid channel")

	// ErrInvalidAddress is returned when an extended address is not in [10,9999].
	ErrInvalidAddress = errors.New("sx: invalid extended address")

	// ErrInvalidData is returned when extended-address data is not in [0,3].
	ErrInvalidData = errors.New("sx: invalid extended data")
)
