package telemetry

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLoggerLevels(t *testing.T) {
	SetupLogger("text", "debug")
	assert.True(t, slog.Default().Enabled(nil, slog.LevelDebug))

	SetupLogger("json", "error")
	assert.False(t, slog.Default().Enabled(nil, slog.LevelWarn))
	assert.True(t, slog.Default().Enabled(nil, slog.LevelError))

	// unknown level falls back to info
	SetupLogger("json", "chatty")
	assert.True(t, slog.Default().Enabled(nil, slog.LevelInfo))
	assert.False(t, slog.Default().Enabled(nil, slog.LevelDebug))
}
