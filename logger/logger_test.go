package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetAndLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := L()
	Set(zap.New(core))
	defer Set(prev)

	Info("session started", zap.Uint64("session", 7))
	Debug("step changed")
	Warn("stale result")
	Error("action failed", zap.String("kind", "submit"))

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "session started", entries[0].Message)
	assert.Equal(t, uint64(7), entries[0].ContextMap()["session"])
	assert.Equal(t, "submit", entries[3].ContextMap()["kind"])
}

func TestInit(t *testing.T) {
	prev := L()
	defer Set(prev)

	assert.NoError(t, Init("debug", true))
	assert.NoError(t, Init("info", false))
	assert.Error(t, Init("loud", true))
}
