// Package periodic provides a cancellable fixed-rate task.
//
// It drives the SXnet broadcast of each session, the route engine sweep and
// the bus interface health reports.
package periodic
