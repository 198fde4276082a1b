// Package logging builds the process zap logger: logfmt (or JSON) to stdout, optionally
// teed into a size-rotated file.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"

	zaplogfmt "github.com/allir/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Config holds logger configuration options.
type Config struct {
	// Level specifies the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is logfmt (default) or json.
	Format string `yaml:"format"`
	// File additionally writes logs to a rotated file.
	File *FileConfig `yaml:"file"`
}

// FileConfig configures the rotated log file.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Format == "" {
		c.Format = FormatLogfmt
	}
	if c.File != nil && c.File.MaxSizeMB == 0 {
		c.File.MaxSizeMB = 100
	}
}

// Validate rejects unknown formats and file outputs without a path.
func (c Config) Validate() error {
	switch strings.ToLower(c.Format) {
	case "", FormatLogfmt, FormatJSON:
	default:
		return fmt.Errorf("configuration 'logging.format' has unknown value %q", c.Format)
	}
	if c.File != nil {
		if strings.TrimSpace(c.File.Path) == "" {
			return errors.New("configuration 'logging.file.path' is required when file output is enabled")
		}
		if c.File.MaxSizeMB < 0 || c.File.MaxBackups < 0 || c.File.MaxAgeDays < 0 {
			return errors.New("configuration 'logging.file' limits must not be negative")
		}
	}
	return nil
}

// New initializes a zap logger writing to stdout and, when configured, to File.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = ""
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.ConsoleSeparator = " "

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zaplogfmt.NewEncoder(encoderConfig)
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)

	if cfg.File != nil {
		// Files keep timestamps; stdout is expected to be timestamped by the collector.
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.TimeKey = "ts"
		var fileEncoder zapcore.Encoder
		if strings.ToLower(cfg.Format) == FormatJSON {
			fileEncoder = zapcore.NewJSONEncoder(fileEncoderConfig)
		} else {
			fileEncoder = zaplogfmt.NewEncoder(fileEncoderConfig)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		core = zapcore.NewTee(core, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(core), nil
}

// parseLevel converts a level name to a zapcore.Level, defaulting to info.
func parseLevel(v string) zapcore.Level {
	switch strings.ToLower(v) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
