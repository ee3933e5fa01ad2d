package panel

import "errors"

// Domain errors for panel elements.
var (
	// ErrDuplicateAddress is returned when two elements share a primary address.
	ErrDuplicateAddress = errors.New("panel: duplicate primary address")

	// ErrInvalidAddress is returned when an element address is out of range.
	ErrInvalidAddress = errors.New("panel: invalid element address")

	// ErrUnknownKind is returned for an unrecognised element type.
	ErrUnknownKind = errors.New("panel: unknown element kind")
)
