package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/born-ml/detbridge/internal/config"
	"github.com/born-ml/detbridge/internal/logutil"
	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/pipeline"
)

func command(t *testing.T, newCmd func() *cobra.Command, args ...string) *cobra.Command {
	t.Helper()
	cmd := newCmd()
	defineCommonFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[engine]
module = "from-file.wasm"

[bench]
iterations = 20
warmup = 3
mode = "network"
`), 0o600))

	cmd := command(t, newBenchCommand, "--config", path, "--iterations", "7", "--log-level", "debug")
	cfg, err := loadConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Bench.Iterations)
	assert.Equal(t, 3, cfg.Bench.Warmup, "file value kept")
	assert.Equal(t, config.ModeNetwork, cfg.Bench.Mode, "flag default does not override the file")
	assert.Equal(t, "from-file.wasm", cfg.Engine.Module)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigLiveFlags(t *testing.T) {
	cmd := command(t, newLiveCommand, "--frames-dir", "frames", "--frame-interval", "40ms", "--max-frames", "0")
	cfg, err := loadConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "frames", cfg.Live.FramesDir)
	assert.Equal(t, 40*time.Millisecond, cfg.Live.FrameInterval.Duration)
	assert.Zero(t, cfg.Live.MaxFrames)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cmd := command(t, newBenchCommand, "--mode", "tensor")
	_, err := loadConfig(cmd.Flags())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestSetupRequiresEngine(t *testing.T) {
	cmd := command(t, newBenchCommand)
	_, err := setup(cmd)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadPipelineThreshold(t *testing.T) {
	cmd := command(t, newBenchCommand, "--score-threshold", "0.4")
	p, err := loadPipeline(cmd.Flags(), config.NewConfig())
	require.NoError(t, err)
	assert.InDelta(t, 0.4, p.ScoreThreshold(), 1e-9)
	assert.InDelta(t, 0.05, pipeline.DefaultFaceDetection().ScoreThreshold(), 1e-9)
}

func TestStatusHandler(t *testing.T) {
	require.NoError(t, logutil.InitLogger(logutil.NewLogConfig()))
	a := &app{metrics: metrics.New()}
	a.metrics.FrameDropped()
	srv := httptest.NewServer(a.statusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, body.String(), "detbridge_frames_dropped_total 1")

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/log/level", bytes.NewBufferString(`{"level":"warn"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, logutil.BgLogger().Core().Enabled(zapcore.InfoLevel))
}

func TestVersion(t *testing.T) {
	cmd := newVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "detbridge "+version)
}
