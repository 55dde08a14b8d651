// Package logging provides structured logging for the boardlink relay server.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the server. It provides both general logging functions
// and specialized functions for relay-specific logging needs.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (hex dumps, frame decoding, probe traffic)
//   - Info: Normal operations (connections, registrations, OTA transfers)
//   - Warn: Non-fatal issues (send failures, retry exhaustion)
//   - Error: Fatal issues (startup failures, critical errors)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Board registered",
//	    zap.String("remote_addr", "192.168.1.100"),
//	    zap.String("device_id", deviceID),
//	)
//
// # Specialized Logging
//
// Connection Logging:
//
//	logging.LogConnection(remoteAddr, "connection_accepted")
//	logging.LogConnection(remoteAddr, "websocket_closed")
//
// Frame Logging:
//
//	logging.LogFrame(remoteAddr, "received", payload)
//	logging.LogFrame(remoteAddr, "sent", payload)
//
// # Configuration
//
// Initialize logging at server startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When no level is given, the BOARDLINK_LOG_LEVEL environment variable is
// consulted; with neither set, logging is silent.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
