// Package config handles loading and validating SX4 controller configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional .env file next to the configuration file
//   - Overriding with SX4_* environment variables
//   - Validation of required fields and timing ranges
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.SXnet.Port)
package config
