package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// resetLogger resets the global logger instance for testing
func resetLogger() {
	logger = nil
	once = sync.Once{}
}

func TestGetLogger_Fallback(t *testing.T) {
	resetLogger()
	l := GetLogger()
	assert.NotNil(t, l, "GetLogger should return a fallback logger if not initialized")
}

func TestInitialize(t *testing.T) {
	resetLogger()
	err := Initialize(true, "debug")
	assert.NoError(t, err)
	assert.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	// Should be idempotent
	l1 := logger
	err = Initialize(false, "error")
	assert.NoError(t, err)
	assert.Equal(t, l1, logger)
}

func TestInitialize_Threshold(t *testing.T) {
	resetLogger()
	assert.NoError(t, Initialize(false, "warning"))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"verbose": zapcore.DebugLevel,
		"DEBUG":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"loud":    zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestHelperMethods(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))

	ctx := context.Background()

	Debug(ctx, "debug msg")
	Info(ctx, "info msg", zap.String("key", "val"))
	Warn(ctx, "warn msg")
	Error(ctx, "error msg")

	assert.Equal(t, 4, logs.Len())
	assert.Equal(t, zap.DebugLevel, logs.All()[0].Level)
	assert.Equal(t, zap.InfoLevel, logs.All()[1].Level)
	assert.Equal(t, zap.WarnLevel, logs.All()[2].Level)
	assert.Equal(t, zap.ErrorLevel, logs.All()[3].Level)
}

func TestContextFields(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))

	ctx := WithChannel(context.Background(), "room1")
	ctx = WithMessagingID(ctx, "peer-1")
	ctx = context.WithValue(ctx, CorrelationIDKey, "Req1")

	Info(ctx, "joined")

	assert.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "room1", fields["channel"])
	assert.Equal(t, "peer-1", fields["messaging_id"])
	assert.Equal(t, "Req1", fields["correlation_id"])
	assert.Equal(t, "callkit", fields["service"])
}

func TestAppendContextFields_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is tolerated on purpose
	fields := appendContextFields(nil, []zap.Field{zap.String("a", "b")})
	assert.Len(t, fields, 1)
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "***", RedactToken(""))
	assert.Equal(t, "***", RedactToken("short"))
	assert.Equal(t, "eyJhbGci***", RedactToken("eyJhbGciOiJIUzI1NiJ9.payload"))
}
