package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRoomID(WithSessionID(context.Background(), "s-1"), "r-1")
	cl.WithContext(ctx).Info("joined")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, "r-1", fields["room_id"])
	assert.NotContains(t, fields, "request_id")
}

func TestPionLoggerFactory(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := NewPionLoggerFactory(zap.New(core))

	l := f.NewLogger("ice")
	l.Tracef("candidate %d", 1)
	l.Warn("slow")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "candidate 1", entries[0].Message)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "ice", entries[1].ContextMap()["pion_scope"])
}
