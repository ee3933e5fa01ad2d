// Package api implements the HTTP REST API and WebSocket server for the
// SX4 controller.
//
// This package provides:
//   - REST endpoints for channels, track power, panel elements and routes
//   - A paginated view of the route journal
//   - A WebSocket hub relaying registry changes and route events as JSON
//   - SXnet sessions carried over WebSocket text frames
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server is a thin shell over the bus registry, the panel layout and
// the route engine. Writes go straight to the registry and are propagated
// to the bus driver; changes flow back through registry and engine
// subscriptions into the WebSocket hub.
//
// # Graceful Degradation
//
// The journal, the SXnet server and the route engine are optional. The
// endpoints that need a missing component answer 503.
package api
