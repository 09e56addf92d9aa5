// Package logging wraps zap with the small surface the resilience managers
// need: a configurable root logger, Named children per manager, and a no-op
// global default so the library stays silent unless the caller opts in.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level to emit (debug, info, warn, error)
	Level string
	// Format is the log encoding (json or console)
	Format string
	// OutputPaths is where log entries are written
	OutputPaths []string
	// ErrorOutputPaths is where internal logger errors are written
	ErrorOutputPaths []string
	// Development enables development mode
	Development bool
	// EnableCaller annotates entries with the calling source location
	EnableCaller bool
	// EnableStacktrace attaches stack traces to error-level entries
	EnableStacktrace bool
}

// DefaultConfig returns the production defaults: info-level JSON to stdout.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// DevelopmentConfig returns a human-readable configuration for local work.
func DevelopmentConfig() Config {
	return Config{
		Level:            "debug",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		Development:      true,
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// NewLogger builds a logger from the given configuration.
func NewLogger(config Config) (*Logger, error) {
	level := parseLevel(config.Level)

	var encoderConfig zapcore.EncoderConfig
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
		Encoding:          config.Format,
		EncoderConfig:     encoderConfig,
		OutputPaths:       config.OutputPaths,
		ErrorOutputPaths:  config.ErrorOutputPaths,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// NewLoggerFromEnv builds a logger from SHIELD_LOG_LEVEL, SHIELD_LOG_FORMAT
// and SHIELD_LOG_DEV. Unset variables fall back to the production defaults.
func NewLoggerFromEnv() (*Logger, error) {
	config := DefaultConfig()

	if os.Getenv("SHIELD_LOG_DEV") == "true" {
		config = DevelopmentConfig()
	}
	if level := os.Getenv("SHIELD_LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("SHIELD_LOG_FORMAT"); format != "" {
		config.Format = format
	}

	return NewLogger(config)
}

// NewNoOpLogger returns a logger that discards everything.
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger scoped to a manager or subsystem name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

var global *Logger

func init() {
	global = NewNoOpLogger()
}

// SetGlobal installs the process-wide logger used by managers that were not
// handed an explicit one.
func SetGlobal(logger *Logger) {
	global = logger
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global
}
