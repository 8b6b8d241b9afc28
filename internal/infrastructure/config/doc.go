// Package config handles loading and validating budlink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (BUDLINK_*)
//   - Validation of required fields, collecting every failure
//   - Default value handling
//
// Security Considerations:
//   - MQTT passwords, InfluxDB tokens and the JWT secret should be set via
//     environment variables rather than committed to the config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, d := range cfg.Bluetooth.Devices {
//	    fmt.Println(d.MAC, d.Family)
//	}
package config
