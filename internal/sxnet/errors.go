package sxnet

import "errors"

// Domain errors for the SXnet server.
var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("sxnet: server closed")

	// ErrConnClosed is returned by a LineConn after Close.
	ErrConnClosed = errors.New("sxnet: connection closed")
)
