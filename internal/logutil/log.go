// Package logutil builds the process-wide zap logger.
package logutil

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultLogLevel is the level used when none is configured.
	DefaultLogLevel = "info"
	// DefaultLogFormat is the default format of the log.
	DefaultLogFormat = "text"
	// DefaultLogMaxSize is the default size of log files.
	DefaultLogMaxSize = 300 // MB
)

// LogConfig serializes log related config in toml.
type LogConfig struct {
	// Log level.
	// One of "debug", "info", "warn", "error", "dpanic", "panic", and "fatal".
	Level string `toml:"level" json:"level"`
	// Format of the log, one of "text", "json" or "console".
	Format string `toml:"format" json:"format"`
	// Log filename, leave empty to log to stderr.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// NewLogConfig returns the default log config.
func NewLogConfig() *LogConfig {
	return &LogConfig{
		Level:       DefaultLogLevel,
		Format:      DefaultLogFormat,
		FileMaxSize: DefaultLogMaxSize,
	}
}

// Validate checks level and format.
func (c *LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Format {
	case "text", "json", "console":
		return nil
	default:
		return fmt.Errorf("log format %q: must be text, json or console", c.Format)
	}
}

// InitLogger initializes the global logger with cfg.
func InitLogger(cfg *LogConfig, opts ...zap.Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts = append(opts, zap.AddStacktrace(zapcore.FatalLevel))
	gl, props, err := log.InitLogger(&log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxBackups: cfg.FileMaxBackups,
		},
	}, opts...)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.ReplaceGlobals(gl, props)
	return nil
}

// SetLevel changes the level of the global logger.
func SetLevel(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}

// BgLogger returns the global logger. It is replaced by InitLogger.
func BgLogger() *zap.Logger {
	return log.L()
}
