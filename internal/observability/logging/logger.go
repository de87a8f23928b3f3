// Package logging provides structured logging for the trace pipeline.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

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
	Level Level

	// Format is the log output format.
	Format Format

	// Output is the output destination (stdout or stderr).
	Output string

	// DisableCaller disables caller information in logs.
	DisableCaller bool

	// InitialFields are fields added to every log entry.
	InitialFields []zap.Field
}

// DefaultConfig returns a Config with default values. Lambda forwards
// stdout to its log stream, so JSON on stdout is the default.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: "stdout",
	}
}

// Logger wraps zap.Logger with a level that can be changed at runtime.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a Logger writing to the configured output.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	output, err := buildOutput(config.Output)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(config, output), nil
}

// NewWithWriter creates a Logger writing to w, ignoring config.Output.
func NewWithWriter(config *Config, w io.Writer) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	level := zap.NewAtomicLevelAt(ParseLevel(config.Level))
	encoder := buildEncoder(config.Format, buildEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if !config.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if len(config.InitialFields) > 0 {
		opts = append(opts, zap.Fields(config.InitialFields...))
	}

	return &Logger{
		Logger: zap.New(core, opts...),
		level:  level,
	}
}

func buildEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
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
}

func buildEncoder(format Format, encoderConfig zapcore.EncoderConfig) zapcore.Encoder {
	switch format {
	case FormatConsole:
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return zapcore.NewJSONEncoder(encoderConfig)
	}
}

func buildOutput(outputPath string) (io.Writer, error) {
	switch outputPath {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return nil, fmt.Errorf("unsupported log output %q", outputPath)
	}
}

// SetLevel sets the log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(ParseLevel(level))
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseLevel maps a level name onto zap. Unknown names mean info.
// Datadog's "trace" and "off" spellings are accepted.
func ParseLevel(level Level) zapcore.Level {
	switch Level(strings.ToLower(string(level))) {
	case LevelDebug, "trace":
		return zapcore.DebugLevel
	case LevelWarn, "warning":
		return zapcore.WarnLevel
	case LevelError, "critical":
		return zapcore.ErrorLevel
	case "off":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
