// Package logging provides a minimal logging interface and adapters for the relay.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the supervisor, poller and relay use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZapAdapter wrapping go.uber.org/zap (used by the CLI)
//   - RelayLogger with session/participant context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	sup := supervisor.New(ledger, relay, func(o *supervisor.Options) { o.Logger = logger })
//
// Arguments after the message are alternating key/value pairs.
package logging
