package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/amirphl/adaptive-allocator/internal/config"
)

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allocator.log")
	l, err := New(config.LogConfig{Level: "WARN", Encoding: "json", File: path})
	require.NoError(t, err)

	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l.Warn("Nightly | strategy auto-disabled")
	_ = l.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Nightly | strategy auto-disabled"`)
}

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New(config.LogConfig{Level: "loud", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
