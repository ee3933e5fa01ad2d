// Package logging provides structured logging for the SX4 controller.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same default fields (service, version) and the same level and
// format configuration.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("sxnet").Info("listening", "port", 4104)
package logging
