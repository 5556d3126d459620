package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	t.Cleanup(func() { Set(zap.NewNop()) })

	require.NoError(t, Init("debug", "console"))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init("warn", "json"))
	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, Init("loud", "json"))
}

func TestWrappersUseGlobalLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(zap.NewNop()) })

	Warn("queue full", zap.String("run_id", "r1"))
	Error("job failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "queue full", entries[0].Message)
	assert.Equal(t, "r1", entries[0].ContextMap()["run_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}
