// Package config holds the detbridge configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/born-ml/detbridge/internal/logutil"
)

// Bench modes.
const (
	ModePredictor = "predictor"
	ModeNetwork   = "network"
)

// Default values.
const (
	DefaultIterations           = 100
	DefaultWarmup               = 5
	DefaultMaxFrames            = 1000
	DefaultMaxConsecutiveErrors = 10
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level configuration.
type Config struct {
	Engine   Engine            `toml:"engine" json:"engine"`
	Pipeline Pipeline          `toml:"pipeline" json:"pipeline"`
	Log      logutil.LogConfig `toml:"log" json:"log"`
	Bench    Bench             `toml:"bench" json:"bench"`
	Live     Live              `toml:"live" json:"live"`
	Status   Status            `toml:"status" json:"status"`
}

// Engine locates the engine module.
type Engine struct {
	// Path of the compiled engine module (.wasm).
	Module string `toml:"module" json:"module"`
	// Upper bound for the engine's linear memory, e.g. "256MiB". Empty for no limit.
	MemoryLimit string `toml:"memory-limit" json:"memory-limit"`
}

// MemoryLimitBytes parses MemoryLimit. It returns 0 when no limit is set.
func (e Engine) MemoryLimitBytes() (uint64, error) {
	if e.MemoryLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(e.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: engine.memory-limit: %w", ErrInvalid, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: engine.memory-limit must be positive", ErrInvalid)
	}
	return uint64(n), nil
}

// Pipeline selects the predictor pipeline.
type Pipeline struct {
	// Pipeline YAML file. Empty selects the built-in face detector.
	File string `toml:"file" json:"file"`
}

// Bench configures the benchmark driver.
type Bench struct {
	Iterations int    `toml:"iterations" json:"iterations"`
	Warmup     int    `toml:"warmup" json:"warmup"`
	Seed       int64  `toml:"seed" json:"seed"`
	Mode       string `toml:"mode" json:"mode"`
}

// Live configures the live-capture driver.
type Live struct {
	// Directory of PNG/JPEG frames replayed as the capture source.
	FramesDir string `toml:"frames-dir" json:"frames-dir"`
	// Delay between source frames; 0 emits them as fast as they are read.
	FrameInterval Duration `toml:"frame-interval" json:"frame-interval"`
	// Stop after this many processed frames; 0 means until the source ends.
	MaxFrames int `toml:"max-frames" json:"max-frames"`
	// Stop after this many failed frames in a row.
	MaxConsecutiveErrors int `toml:"max-consecutive-errors" json:"max-consecutive-errors"`
}

// Status configures the metrics endpoint.
type Status struct {
	// Listen address for /metrics, empty to disable.
	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`
}

// Duration is a time.Duration written as a string such as "33ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Log: *logutil.NewLogConfig(),
		Bench: Bench{
			Iterations: DefaultIterations,
			Warmup:     DefaultWarmup,
			Seed:       1,
			Mode:       ModePredictor,
		},
		Live: Live{
			MaxFrames:            DefaultMaxFrames,
			MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		},
	}
}

// Load overlays the values in confFile onto c. Unknown keys are an error.
func (c *Config) Load(confFile string) error {
	md, err := toml.DecodeFile(confFile, c)
	if err != nil {
		return fmt.Errorf("load config %s: %w", confFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, confFile, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := c.Engine.MemoryLimitBytes(); err != nil {
		return err
	}
	if c.Bench.Iterations <= 0 {
		return fmt.Errorf("%w: bench.iterations must be positive, got %d", ErrInvalid, c.Bench.Iterations)
	}
	if c.Bench.Warmup < 0 {
		return fmt.Errorf("%w: bench.warmup must not be negative, got %d", ErrInvalid, c.Bench.Warmup)
	}
	switch c.Bench.Mode {
	case ModePredictor, ModeNetwork:
	default:
		return fmt.Errorf("%w: bench.mode must be %q or %q, got %q", ErrInvalid, ModePredictor, ModeNetwork, c.Bench.Mode)
	}
	if c.Live.MaxFrames < 0 {
		return fmt.Errorf("%w: live.max-frames must not be negative, got %d", ErrInvalid, c.Live.MaxFrames)
	}
	if c.Live.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("%w: live.max-consecutive-errors must be positive, got %d", ErrInvalid, c.Live.MaxConsecutiveErrors)
	}
	if c.Live.FrameInterval.Duration < 0 {
		return fmt.Errorf("%w: live.frame-interval must not be negative", ErrInvalid)
	}
	return nil
}
