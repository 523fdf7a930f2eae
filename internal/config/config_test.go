package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultIterations, c.Bench.Iterations)
	assert.Equal(t, ModePredictor, c.Bench.Mode)
	assert.Equal(t, DefaultMaxFrames, c.Live.MaxFrames)
	assert.Equal(t, "info", c.Log.Level)

	limit, err := c.Engine.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Zero(t, limit)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[engine]
module = "lib_wasm.wasm"
memory-limit = "256MiB"

[pipeline]
file = "face.yaml"

[log]
level = "debug"
format = "json"

[bench]
iterations = 20
mode = "network"

[live]
frames-dir = "frames"
frame-interval = "33ms"
max-frames = 50

[status]
metrics-addr = ":9090"
`)
	c := NewConfig()
	require.NoError(t, c.Load(path))
	require.NoError(t, c.Validate())

	assert.Equal(t, "lib_wasm.wasm", c.Engine.Module)
	limit, err := c.Engine.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(256<<20), limit)
	assert.Equal(t, "face.yaml", c.Pipeline.File)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 20, c.Bench.Iterations)
	assert.Equal(t, DefaultWarmup, c.Bench.Warmup, "unset keys keep their default")
	assert.Equal(t, ModeNetwork, c.Bench.Mode)
	assert.Equal(t, 33*time.Millisecond, c.Live.FrameInterval.Duration)
	assert.Equal(t, 50, c.Live.MaxFrames)
	assert.Equal(t, DefaultMaxConsecutiveErrors, c.Live.MaxConsecutiveErrors)
	assert.Equal(t, ":9090", c.Status.MetricsAddr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[bench]\niteration = 5\n")
	err := NewConfig().Load(path)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "bench.iteration")
}

func TestValid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero iterations", func(c *Config) { c.Bench.Iterations = 0 }},
		{"negative warmup", func(c *Config) { c.Bench.Warmup = -1 }},
		{"unknown mode", func(c *Config) { c.Bench.Mode = "tensor" }},
		{"negative max frames", func(c *Config) { c.Live.MaxFrames = -1 }},
		{"zero error budget", func(c *Config) { c.Live.MaxConsecutiveErrors = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"bad memory limit", func(c *Config) { c.Engine.MemoryLimit = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}
