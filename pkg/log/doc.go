/*
Package log provides structured logging for fleetd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("cluster")
	logger.Info().Str("node_id", nodeID).Msg("heartbeat written")

Request handlers use log.WithRequestID so every line emitted while serving
a request carries the request id returned to the caller on errors.
*/
package log
