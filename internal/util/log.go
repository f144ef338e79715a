// Package util provides shared helpers for kaspool: logging, hex and
// address handling, and difficulty/target arithmetic.
package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// base feeds component loggers; logger carries an extra caller-skip for
// the package-level wrappers below.
var (
	base   *zap.Logger
	logger *zap.SugaredLogger
)

// InitLogger builds the process-wide logger. format is "json" or
// "console"; file, when set, is appended as a second sink next to
// stdout. The funding private key must never pass through any of the
// logging paths.
func InitLogger(level, format, file string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg.OutputPaths = []string{"stdout"}
	if file != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, file)
	}

	zl, err := cfg.Build()
	if err != nil {
		return err
	}
	base = zl
	logger = zl.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return nil
}

// Log returns the wrapper logger, building a development default when
// InitLogger has not run (tests, early startup).
func Log() *zap.SugaredLogger {
	if logger == nil {
		zl, _ := zap.NewDevelopment()
		base = zl
		logger = zl.WithOptions(zap.AddCallerSkip(1)).Sugar()
	}
	return logger
}

// Named returns a component-tagged logger sharing the global sinks.
// Long-lived components (stratum, treasury, pool) hold one so their
// lines carry the component name.
func Named(component string) *zap.SugaredLogger {
	Log()
	return base.Named(component).Sugar()
}

// Sync flushes buffered entries. Called once on shutdown.
func Sync() {
	if logger != nil {
		logger.Sync()
	}
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	Log().Debug(args...)
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...interface{}) {
	Log().Debugf(template, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	Log().Info(args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...interface{}) {
	Log().Infof(template, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	Log().Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...interface{}) {
	Log().Warnf(template, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	Log().Error(args...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...interface{}) {
	Log().Errorf(template, args...)
}

// Fatal logs a fatal message and exits
func Fatal(args ...interface{}) {
	Log().Fatal(args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(template string, args ...interface{}) {
	Log().Fatalf(template, args...)
}
