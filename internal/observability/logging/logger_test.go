package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"nil config", nil, false},
		{"stdout", &Config{Output: "stdout"}, false},
		{"stderr", &Config{Output: "stderr", Format: FormatConsole}, false},
		{"file path", &Config{Output: "/tmp/trace.log"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Logger)
		})
	}
}

func TestNewWithWriter_JSONKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&Config{
		Level:         LevelDebug,
		InitialFields: []zap.Field{zap.String(FieldService, "checkout")},
	}, &buf)
	logger.Warn("flush incomplete", zap.Int(FieldSpans, 3))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "flush incomplete", entry["message"])
	assert.Equal(t, "checkout", entry[FieldService])
	assert.Equal(t, 3.0, entry[FieldSpans])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry, "caller")
}

func TestLogger_SetLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&Config{Level: LevelError}, &buf)
	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.Equal(t, LevelError, logger.GetLevel())

	logger.SetLevel(LevelDebug)
	logger.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.Equal(t, LevelDebug, logger.GetLevel())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   Level
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"TRACE", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"critical", zapcore.ErrorLevel},
		{"off", zapcore.FatalLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestTraceFields(t *testing.T) {
	t.Parallel()

	assert.Nil(t, TraceFields(trace.SpanContext{}))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 8: 0x00, 15: 0x2a},
		SpanID:  trace.SpanID{7: 0x07},
	})
	fields := TraceFields(sc)
	require.Len(t, fields, 4)

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	assert.Equal(t, "0100000000000000000000000000002a", enc.Fields[FieldTraceID])
	assert.Equal(t, "0000000000000007", enc.Fields[FieldSpanID])
	assert.Equal(t, "42", enc.Fields[FieldDDTraceID])
	assert.Equal(t, "7", enc.Fields[FieldDDSpanID])
}

func TestFieldHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FieldComponent, Component("exporter").Key)
	assert.Equal(t, "req-1", RequestID("req-1").String)
}
