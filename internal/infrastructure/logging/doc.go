// Package logging provides structured logging for budlink.
//
// It wraps log/slog so every component logs with the same handler,
// level filtering and default fields (service, version).
//
// Logging is configured in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components receive a child logger scoped with a "component" field:
//
//	logger := logging.New(cfg.Logging, version)
//	aacpLog := logger.With("component", "aacp")
//	aacpLog.Info("handshake complete", "device_id", mac)
//
// Never log JWT secrets, MQTT passwords or InfluxDB tokens.
package logging
