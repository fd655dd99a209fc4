package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/processional/golang/internal/config"
)

func TestLogger_ParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"INFO":    zap.InfoLevel,
		" warn ":  zap.WarnLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
		"":        zap.InfoLevel,
		"chatty":  zap.InfoLevel,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestLogger_Setup(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	t.Run("stderr", func(t *testing.T) {
		logger, err := SetupLogger(config.LogConfig{Level: "debug"})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
		assert.Same(t, logger, zap.L())
	})

	t.Run("json file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "out.log")
		logger, err := SetupLogger(config.LogConfig{
			Level:   "warn",
			Format:  "json",
			Outputs: []string{path},
		})
		require.NoError(t, err)

		logger.Info("dropped")
		logger.Warn("kept", zap.String("service", "calc"))
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"kept"`)
		assert.Contains(t, string(data), `"service":"calc"`)
		assert.NotContains(t, string(data), "dropped")
	})

	t.Run("rotation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rotated.log")
		logger, err := SetupLogger(config.LogConfig{
			Level:   "info",
			Outputs: []string{"app.log"},
			Rotation: config.RotationConfig{
				Enable:   true,
				Filename: path,
			},
		})
		require.NoError(t, err)

		logger.Info("rotating")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "rotating")
	})

	t.Run("unwritable file", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))
		_, err := SetupLogger(config.LogConfig{Outputs: []string{filepath.Join(blocker, "out.log")}})
		assert.Error(t, err)
	})
}
