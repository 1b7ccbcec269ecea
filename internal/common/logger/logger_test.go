package logger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithUserID("u1").WithAgentType("echo").WithError(errors.New("boom")).Info("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"user_id":"u1"`)
	assert.Contains(t, out, `"agent_type":"echo"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hidden"))
	assert.Contains(t, string(data), "shown")
}

func TestSetLevel_AppliesToChildren(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)
	child := log.WithComponent("child")

	child.Debug("before")
	require.NoError(t, log.SetLevel("debug"))
	child.Debug("after")
	assert.Error(t, log.SetLevel("loud"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "before")
	assert.Contains(t, string(data), `"component":"child"`)
	assert.Contains(t, string(data), "after")
}

func TestWithContext(t *testing.T) {
	log := NewNop()
	assert.Same(t, log, log.WithContext(context.Background()))

	ctx := context.WithValue(context.Background(), UserIDKey, "u1")
	assert.NotSame(t, log, log.WithContext(ctx))
}

func TestSetDefault(t *testing.T) {
	custom := NewNop()
	SetDefault(custom)
	assert.Same(t, custom, Default())
}
