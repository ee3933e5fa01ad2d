// Package discovery advertises the SXnet service on the local network
// with mDNS/DNS-SD, so throttle apps and panels find the controller
// without a configured address.
//
// The service type is _sxnet._tcp. TXT records carry the controller
// version, the site ID and, when the HTTP API is enabled, its port.
package discovery
