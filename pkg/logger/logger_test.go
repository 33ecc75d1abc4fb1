package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &zapLogger{logger: zap.New(core).Sugar()}, logs
}

func TestFromContext(t *testing.T) {
	stored, storedLogs := observed()
	fallback, fallbackLogs := observed()

	ctx := IntoContext(context.Background(), stored.With("run_id", "r1"))
	FromContext(ctx, fallback).Info("from context")
	FromContext(context.Background(), fallback).Info("from fallback")
	FromContext(context.Background(), nil).Info("dropped")

	require.Equal(t, 1, storedLogs.Len())
	entry := storedLogs.All()[0]
	assert.Equal(t, "from context", entry.Message)
	assert.Equal(t, "r1", entry.ContextMap()["run_id"])

	require.Equal(t, 1, fallbackLogs.Len())
	assert.Equal(t, "from fallback", fallbackLogs.All()[0].Message)
}

func TestFields(t *testing.T) {
	log, logs := observed()

	log.Warn("node failed", Fields(map[string]interface{}{"kind": "timeout", "node_id": "n1"})...)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]interface{}{"kind": "timeout", "node_id": "n1"}, logs.All()[0].ContextMap())
	assert.Empty(t, Fields(nil))
}
