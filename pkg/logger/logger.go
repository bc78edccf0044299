// Package logger provides a structured logging solution using Zap.
// Diagnostics go to stderr so they never interleave with rendered output
// on stdout.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a console logger on stderr.
// With debug enabled every degradation is logged at debug level with
// colored levels and caller information; otherwise only warnings and
// errors are shown so a normal query prints nothing extra.
func New(debug bool) *zap.Logger {
	return NewWithWriter(debug, zapcore.Lock(os.Stderr))
}

// NewServer creates a JSON logger for the long-running serve mode.
func NewServer(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

// NewWithWriter creates a console logger writing to a custom writer (useful for testing).
func NewWithWriter(debug bool, writer zapcore.WriteSyncer) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.WarnLevel
	var opts []zap.Option
	if debug {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		level = zapcore.DebugLevel
		opts = append(opts, zap.AddCaller())
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), writer, level)
	return zap.New(core, opts...)
}

// Sync flushes any buffered log entries.
// Applications should take care to call Sync before exiting.
func Sync(logger *zap.Logger) {
	// Ignore sync errors on stdout/stderr as they're expected in some environments
	_ = logger.Sync()
}
