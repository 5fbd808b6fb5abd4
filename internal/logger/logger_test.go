package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploding/gateway/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("非法级别回退到info", func(t *testing.T) {
		log, err := New(config.LogConfig{Level: "loud"})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(0))
		assert.False(t, log.Core().Enabled(-1))
	})

	t.Run("写入轮转日志文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "gateway.log")

		log, err := New(config.LogConfig{Level: "debug", File: file})
		require.NoError(t, err)
		log.Info("hello")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})
}

func TestNewDevelopment(t *testing.T) {
	log := NewDevelopment()
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(-1))
}
