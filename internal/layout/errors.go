package layout

import "errors"

// Domain errors for layout loading.
var (
	// ErrInvalidLayout is returned for malformed layout descriptions.
	ErrInvalidLayout = errors.New("layout: invalid layout")
)
