package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_WithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{z: zap.New(core)}

	l.WithField("chain", "bsc").
		WithFields(map[string]interface{}{"wallet": "0xabc"}).
		WithError(errors.New("rpc down")).
		Warnf("scan failed after %d attempts", 3)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "scan failed after 3 attempts", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "bsc", fields["chain"])
	assert.Equal(t, "0xabc", fields["wallet"])
	assert.Equal(t, "rpc down", fields["error"])
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := &Logger{z: zap.New(core)}

	ctx := WithLogger(context.Background(), l)
	FromContext(ctx).Info("hello")
	assert.Equal(t, 1, logs.Len())

	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("nonsense"))
	assert.Equal(t, FormatText, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
