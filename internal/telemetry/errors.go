package telemetry

import "errors"

// ErrInvalidCommand is returned by command handlers for a malformed topic
// or payload.
var ErrInvalidCommand = errors.New("telemetry: invalid command")
