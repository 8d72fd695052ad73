// Package logging provides structured logging for the edge gateway.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log level.
type Level string

const (
	// LevelDebug is the debug log level.
	LevelDebug Level = "debug"
	// LevelInfo is the info log level.
	LevelInfo Level = "info"
	// LevelWarn is the warn log level.
	LevelWarn Level = "warn"
	// LevelError is the error log level.
	LevelError Level = "error"
)

// Format represents a log format.
type Format string

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = "json"
	// FormatConsole outputs logs in human-readable format.
	FormatConsole Format = "console"
)

// Config holds configuration for the logger.
type Config struct {
	// Level is the minimum log level.
	Level Level `yaml:"level"`

	// Format is the log output format.
	Format Format `yaml:"format"`

	// Output is the output destination (stdout, stderr, or a file path).
	Output string `yaml:"output"`

	// Development enables development mode (more verbose).
	Development bool `yaml:"development"`

	// InitialFields are fields added to every log entry.
	InitialFields map[string]interface{} `yaml:"initialFields"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: "stdout",
	}
}

// Logger wraps zap.Logger with a runtime-adjustable level.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level := zap.NewAtomicLevel()
	level.SetLevel(parseLevel(config.Level))

	encoderConfig := buildEncoderConfig(config)
	encoder := buildEncoder(config.Format, encoderConfig)

	output, err := buildOutput(config.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, output, level)

	opts := []zap.Option{zap.AddCaller()}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	if len(config.InitialFields) > 0 {
		fields := make([]zap.Field, 0, len(config.InitialFields))
		for k, v := range config.InitialFields {
			fields = append(fields, zap.Any(k, v))
		}
		opts = append(opts, zap.Fields(fields...))
	}

	return &Logger{
		Logger: zap.New(core, opts...),
		level:  level,
	}, nil
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(parseLevel(level))
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// parseLevel converts a Level to a zapcore.Level.
func parseLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildEncoderConfig creates the encoder configuration.
func buildEncoderConfig(config *Config) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return encoderConfig
}

// buildEncoder creates the appropriate encoder based on format.
func buildEncoder(format Format, encoderConfig zapcore.EncoderConfig) zapcore.Encoder {
	if format == FormatConsole {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// buildOutput creates the output write syncer.
func buildOutput(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
		}
		return zapcore.Lock(f), nil
	}
}
