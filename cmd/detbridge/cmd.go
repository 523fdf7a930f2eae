package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/bridge"
	"github.com/born-ml/detbridge/internal/config"
	"github.com/born-ml/detbridge/internal/engine/wasm"
	"github.com/born-ml/detbridge/internal/logutil"
	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/pipeline"
)

const (
	// FlagConfig is the name of config flag.
	FlagConfig = "config"
	// FlagLogLevel is the name of log-level flag.
	FlagLogLevel = "log-level"
	// FlagLogFile is the name of log-file flag.
	FlagLogFile = "log-file"
	// FlagLogFormat is the name of log-format flag.
	FlagLogFormat = "log-format"
	// FlagMetricsAddr is the name of metrics-addr flag.
	FlagMetricsAddr = "metrics-addr"
	// FlagEngine is the name of engine flag.
	FlagEngine = "engine"
	// FlagMemoryLimit is the name of memory-limit flag.
	FlagMemoryLimit = "memory-limit"
	// FlagPipeline is the name of pipeline flag.
	FlagPipeline = "pipeline"
	// FlagScoreThreshold is the name of score-threshold flag.
	FlagScoreThreshold = "score-threshold"

	flagIterations    = "iterations"
	flagWarmup        = "warmup"
	flagSeed          = "seed"
	flagMode          = "mode"
	flagFramesDir     = "frames-dir"
	flagFrameInterval = "frame-interval"
	flagMaxFrames     = "max-frames"
	flagMaxErrors     = "max-consecutive-errors"
)

// defineCommonFlags defines the flags shared by every command.
func defineCommonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(FlagConfig, "C", "", "TOML config file; flags override its values")
	cmd.PersistentFlags().StringP(FlagLogLevel, "L", logutil.DefaultLogLevel, "Set the log level")
	cmd.PersistentFlags().String(FlagLogFile, "", "Set the log file path. If not set, logs go to stderr")
	cmd.PersistentFlags().String(FlagLogFormat, logutil.DefaultLogFormat, "Set the log format: text, json or console")
	cmd.PersistentFlags().String(FlagMetricsAddr, "",
		"Serve prometheus metrics on this address. Set to empty string to disable")
	cmd.PersistentFlags().String(FlagEngine, "", "Path of the compiled engine module (.wasm)")
	cmd.PersistentFlags().String(FlagMemoryLimit, "", "Cap the engine's linear memory, e.g. 256MiB")
	cmd.PersistentFlags().String(FlagPipeline, "", "Pipeline YAML file. If not set, the built-in face detector is used")
	cmd.PersistentFlags().Float64(FlagScoreThreshold, 0, "Override the ExcludeLowScoreBox threshold")
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then every flag the user set explicitly.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.NewConfig()
	path, err := flags.GetString(FlagConfig)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.Load(path); err != nil {
			return nil, err
		}
	}

	strs := map[string]*string{
		FlagLogLevel:    &cfg.Log.Level,
		FlagLogFile:     &cfg.Log.File,
		FlagLogFormat:   &cfg.Log.Format,
		FlagMetricsAddr: &cfg.Status.MetricsAddr,
		FlagEngine:      &cfg.Engine.Module,
		FlagMemoryLimit: &cfg.Engine.MemoryLimit,
		FlagPipeline:    &cfg.Pipeline.File,
		flagMode:        &cfg.Bench.Mode,
		flagFramesDir:   &cfg.Live.FramesDir,
	}
	ints := map[string]*int{
		flagIterations: &cfg.Bench.Iterations,
		flagWarmup:     &cfg.Bench.Warmup,
		flagMaxFrames:  &cfg.Live.MaxFrames,
		flagMaxErrors:  &cfg.Live.MaxConsecutiveErrors,
	}
	for name, dst := range strs {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}
	for name, dst := range ints {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetInt(name); err != nil {
			return nil, err
		}
	}
	if flags.Lookup(flagSeed) != nil && flags.Changed(flagSeed) {
		if cfg.Bench.Seed, err = flags.GetInt64(flagSeed); err != nil {
			return nil, err
		}
	}
	if flags.Lookup(flagFrameInterval) != nil && flags.Changed(flagFrameInterval) {
		if cfg.Live.FrameInterval.Duration, err = flags.GetDuration(flagFrameInterval); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is everything a command needs once flags are resolved.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
	rt       *bridge.Runtime
	server   *http.Server
}

// setup resolves the configuration, initializes logging and metrics, and
// loads the engine.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := logutil.InitLogger(&cfg.Log); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logutil.BgLogger(), metrics: metrics.New()}

	if a.pipeline, err = loadPipeline(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	if cfg.Engine.Module == "" {
		return nil, fmt.Errorf("%w: no engine module, set --%s or engine.module", config.ErrInvalid, FlagEngine)
	}

	if addr := cfg.Status.MetricsAddr; addr != "" {
		a.serveMetrics(addr)
	}

	limit, err := cfg.Engine.MemoryLimitBytes()
	if err != nil {
		return nil, a.close(cmd.Context(), err)
	}
	eng, err := wasm.LoadFile(cmd.Context(), cfg.Engine.Module,
		wasm.WithLogger(a.log.Named("engine")),
		wasm.WithMetrics(a.metrics),
		wasm.WithMemoryLimit(limit))
	if err != nil {
		return nil, a.close(cmd.Context(), err)
	}
	a.rt = bridge.New(eng, bridge.WithLogger(a.log.Named("bridge")), bridge.WithMetrics(a.metrics))
	return a, nil
}

func loadPipeline(flags *pflag.FlagSet, cfg *config.Config) (*pipeline.Pipeline, error) {
	p := pipeline.DefaultFaceDetection()
	if cfg.Pipeline.File != "" {
		var err error
		if p, err = pipeline.LoadFile(cfg.Pipeline.File); err != nil {
			return nil, err
		}
	}
	if flags.Changed(FlagScoreThreshold) {
		v, err := flags.GetFloat64(FlagScoreThreshold)
		if err != nil {
			return nil, err
		}
		p.SetScoreThreshold(v)
	}
	return p, nil
}

// statusHandler serves metrics and the runtime log level.
func (a *app) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/log/level", logutil.LevelHandler())
	return mux
}

func (a *app) serveMetrics(addr string) {
	a.server = &http.Server{Addr: addr, Handler: a.statusHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.Info("serving metrics", zap.String("addr", addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

// close tears down the runtime and the metrics server, appending any
// failure to err.
func (a *app) close(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	if a.rt != nil {
		err = multierr.Append(err, a.rt.Close(ctx))
	}
	if a.server != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = multierr.Append(err, a.server.Shutdown(sctx))
	}
	_ = a.log.Sync()
	return err
}
