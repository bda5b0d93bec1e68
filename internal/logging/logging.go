// Package logging provides category-scoped loggers for the test generator.
// Each subsystem logs under its own named logger so build output, gateway
// traffic, and session decisions can be filtered independently. Logs go to
// stderr; a rotating file sink is added when a log file is configured.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategorySession  Category = "session"
	CategoryGateway  Category = "gateway"
	CategoryBuild    Category = "build"
	CategoryCoverage Category = "coverage"
	CategoryApply    Category = "apply"
	CategoryFix      Category = "fix"
	CategoryCLI      Category = "cli"
)

// Options mirrors config.LoggingConfig to avoid a circular import.
type Options struct {
	Level      string // debug, info, warn, error
	File       string // optional rotating log file
	MaxSizeMB  int
	MaxBackups int
}

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Initialize builds the shared logger. Safe to call more than once; the
// last call wins. Callers that never initialize get a no-op logger.
func Initialize(opts Options) {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		),
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    intOr(opts.MaxSizeMB, 20),
			MaxBackups: intOr(opts.MaxBackups, 3),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(rotator),
			level,
		))
	}

	mu.Lock()
	base = zap.New(zapcore.NewTee(cores...))
	mu.Unlock()
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Named(string(cat)).Sugar()
}

// Sync flushes buffered log entries. Called at process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
