package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter wraps a *zap.Logger to implement the Logger interface. Key/value
// arguments are forwarded to the sugared logger's *w methods.
type ZapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapAdapter creates a Logger from *zap.Logger. A nil logger yields a no-op zap logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{sugar: logger.Sugar()}
}

// NewZapProduction builds a production zap configuration, lowering the level
// to debug when verbose is set.
func NewZapProduction(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

// Debug logs a debug message.
func (z *ZapAdapter) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }

// Info logs an informational message.
func (z *ZapAdapter) Info(msg string, args ...any) { z.sugar.Infow(msg, args...) }

// Warn logs a warning message.
func (z *ZapAdapter) Warn(msg string, args ...any) { z.sugar.Warnw(msg, args...) }

// Error logs an error message.
func (z *ZapAdapter) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

// With returns an adapter that adds the key/value pairs to every entry.
func (z *ZapAdapter) With(args ...any) Logger { return &ZapAdapter{sugar: z.sugar.With(args...)} }

// Sync flushes buffered log entries.
func (z *ZapAdapter) Sync() error { return z.sugar.Sync() }
