package route

import "errors"

// Domain errors for the route interlocking engine.
var (
	// ErrUnknownRoute is returned when no route has the requested address.
	ErrUnknownRoute = errors.New("route: unknown route")

	// ErrInvalidRoute is returned when a route definition references
	// missing or wrongly typed elements.
	ErrInvalidRoute = errors.New("route: invalid route definition")

	// ErrElementLocked is returned when an automatic set finds one of the
	// route's signals or turnouts held by another route.
	ErrElementLocked = errors.New("route: element locked")

	// ErrOffendingActive is returned when an automatic set finds a
	// conflicting route active.
	ErrOffendingActive = errors.New("route: offending route active")

	// ErrPathOccupied is returned when an automatic set finds a sensor
	// after the start sensor occupied.
	ErrPathOccupied = errors.New("route: path occupied")

	// ErrNotActive is returned by ClearSoon for an inactive route.
	ErrNotActive = errors.New("route: route not active")
)
